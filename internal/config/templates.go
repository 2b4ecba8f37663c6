package config

import (
	"fmt"
	"os"

	"github.com/danmuck/amqpwire/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

// FromConfig renders cfg in the file layout.
func FromConfig(cfg transport.Config) File {
	s := cfg.Session
	l := s.Link
	return File{
		Session: SessionSection{
			IncomingWindow: s.IncomingWindow,
			OutgoingWindow: s.OutgoingWindow,
			LowWater:       s.LowWater,
			HandleMax:      s.HandleMax,
			WindowWait:     s.WindowWait.String(),
		},
		Link: LinkSection{
			MaxUnsettled:       l.Sender.MaxUnsettled,
			UnsettledResume:    l.Sender.UnsettledResume,
			MaxUnsent:          l.Sender.MaxUnsent,
			UnsentResume:       l.Sender.UnsentResume,
			MaxWait:            l.Sender.MaxWait.String(),
			CreditWait:         l.Sender.CreditWait.String(),
			CreditPolicy:       string(l.Receiver.Policy),
			MinCreditThreshold: l.Receiver.MinCreditThreshold,
			CreditBoost:        l.Receiver.CreditBoost,
			SndSettleMode:      l.SndSettleMode.String(),
			RcvSettleMode:      l.RcvSettleMode.String(),
		},
		Frame: FrameSection{MaxFrameSize: cfg.Frame.MaxFrameSize},
		Transport: TransportSection{
			ConnectTimeout:    cfg.ConnectTimeout.String(),
			DialAttempts:      cfg.DialAttempts,
			BackoffInitial:    cfg.Backoff.InitialDelay.String(),
			BackoffMax:        cfg.Backoff.MaxDelay.String(),
			BackoffMultiplier: cfg.Backoff.Multiplier,
			BackoffJitter:     cfg.Backoff.Jitter,
			SecurityMode:      string(cfg.SecurityMode),
		},
		TLS: TLSSection{
			Enabled:            cfg.TLS.Enabled,
			Mutual:             cfg.TLS.Mutual,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			CAFile:             cfg.TLS.CAFile,
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		},
	}
}

// Template returns the defaults as a TOML document.
func Template() (string, error) {
	b, err := toml.Marshal(FromConfig(transport.DefaultConfig().WithDefaults()))
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(b), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
