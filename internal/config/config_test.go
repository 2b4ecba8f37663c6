package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/link"
	"github.com/danmuck/amqpwire/internal/testutil/testlog"
	"github.com/danmuck/amqpwire/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "amqpwire.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
[session]
incoming_window = 16
window_wait = "2s"

[link]
max_unsent = 24
unsent_resume = 18
credit_policy = "CREDIT_AS_DEMANDED_BY_SENDER"
credit_boost = 40

[frame]
max_frame_size = 65536

[transport]
dial_attempts = 3
backoff_initial = "50ms"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := transport.DefaultConfig()

	if cfg.Session.IncomingWindow != 16 || cfg.Session.LowWater != 8 {
		t.Fatalf("window=%d low_water=%d", cfg.Session.IncomingWindow, cfg.Session.LowWater)
	}
	if cfg.Session.OutgoingWindow != def.Session.OutgoingWindow {
		t.Fatalf("outgoing window changed to %d", cfg.Session.OutgoingWindow)
	}
	if cfg.Session.WindowWait != 2*time.Second {
		t.Fatalf("window_wait=%s", cfg.Session.WindowWait)
	}
	snd := cfg.Session.Link.Sender
	if snd.MaxUnsent != 24 || snd.UnsentResume != 18 {
		t.Fatalf("unsent gate=%d/%d", snd.MaxUnsent, snd.UnsentResume)
	}
	if snd.MaxUnsettled != def.Session.Link.Sender.MaxUnsettled {
		t.Fatalf("max_unsettled changed to %d", snd.MaxUnsettled)
	}
	rcv := cfg.Session.Link.Receiver
	if rcv.Policy != link.CreditAsDemandedBySender || rcv.CreditBoost != 40 || rcv.MinCreditThreshold != 20 {
		t.Fatalf("receiver=%+v", rcv)
	}
	if cfg.Frame.MaxFrameSize != 65536 {
		t.Fatalf("max_frame_size=%d", cfg.Frame.MaxFrameSize)
	}
	if cfg.DialAttempts != 3 || cfg.Backoff.InitialDelay != 50*time.Millisecond {
		t.Fatalf("transport=%+v", cfg)
	}
	if cfg.Backoff.MaxDelay != def.Backoff.MaxDelay {
		t.Fatalf("backoff_max changed to %s", cfg.Backoff.MaxDelay)
	}
}

func TestDeliveryPolicyOverridesSettleModes(t *testing.T) {
	testlog.Start(t)

	cfg, err := Parse(`
[link]
snd_settle_mode = "settled"
rcv_settle_mode = "first"
delivery_policy = "exactly_once"
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Session.Link.SndSettleMode != amqp.SndUnsettled || cfg.Session.Link.RcvSettleMode != amqp.RcvSecond {
		t.Fatalf("settle modes=%s/%s", cfg.Session.Link.SndSettleMode, cfg.Session.Link.RcvSettleMode)
	}
}

func TestSettleModesWithoutPolicy(t *testing.T) {
	testlog.Start(t)

	cfg, err := Parse(`
[link]
snd_settle_mode = "mixed"
rcv_settle_mode = "second"
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Session.Link.SndSettleMode != amqp.SndMixed || cfg.Session.Link.RcvSettleMode != amqp.RcvSecond {
		t.Fatalf("settle modes=%s/%s", cfg.Session.Link.SndSettleMode, cfg.Session.Link.RcvSettleMode)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"duration":     "[session]\nwindow_wait = \"soon\"\n",
		"negative":     "[link]\nmax_wait = \"-1s\"\n",
		"unknown key":  "[session]\nincoming_windw = 4\n",
		"frame size":   "[frame]\nmax_frame_size = 100\n",
		"credit":       "[link]\ncredit_policy = \"greedy\"\n",
		"settle mode":  "[link]\nrcv_settle_mode = \"third\"\n",
		"policy":       "[link]\ndelivery_policy = \"twice\"\n",
		"syntax error": "[session\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(doc); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestUnknownKeyIsInvalidConfig(t *testing.T) {
	testlog.Start(t)

	_, err := Parse("[transport]\nretries = 4\n")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTemplateLoadsBackToDefaults(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "amqpwire.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	want := FromConfig(transport.DefaultConfig().WithDefaults())
	if got := FromConfig(cfg); got != want {
		t.Fatalf("template round trip\n got=%+v\nwant=%+v", got, want)
	}
}

func TestLoadTLSSection(t *testing.T) {
	testlog.Start(t)

	cfg, err := Parse(`
[transport]
security_mode = "Production"

[tls]
enabled = true
mutual = true
cert_file = " client.crt "
key_file = "client.key"
ca_file = "ca.crt"
server_name = "broker.local"
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SecurityMode != transport.SecurityModeProduction {
		t.Fatalf("security_mode=%q", cfg.SecurityMode)
	}
	want := transport.TLSConfig{
		Enabled:    true,
		Mutual:     true,
		CertFile:   "client.crt",
		KeyFile:    "client.key",
		CAFile:     "ca.crt",
		ServerName: "broker.local",
	}
	if cfg.TLS != want {
		t.Fatalf("tls=%+v", cfg.TLS)
	}
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("client transport: %v", err)
	}
}
