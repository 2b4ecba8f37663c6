// Package config loads engine settings from TOML files layered over the
// component defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/link"
	"github.com/danmuck/amqpwire/internal/transport"
)

var ErrInvalidConfig = errors.New("config: invalid config")

// File mirrors the on-disk layout. Durations are Go duration strings.
type File struct {
	Session   SessionSection   `toml:"session"`
	Link      LinkSection      `toml:"link"`
	Frame     FrameSection     `toml:"frame"`
	Transport TransportSection `toml:"transport"`
	TLS       TLSSection       `toml:"tls"`
}

type SessionSection struct {
	IncomingWindow uint32 `toml:"incoming_window"`
	OutgoingWindow uint32 `toml:"outgoing_window"`
	LowWater       uint32 `toml:"low_water"`
	HandleMax      uint32 `toml:"handle_max"`
	WindowWait     string `toml:"window_wait"`
}

type LinkSection struct {
	MaxUnsettled       int    `toml:"max_unsettled"`
	UnsettledResume    int    `toml:"unsettled_resume"`
	MaxUnsent          int    `toml:"max_unsent"`
	UnsentResume       int    `toml:"unsent_resume"`
	MaxWait            string `toml:"max_wait"`
	CreditWait         string `toml:"credit_wait"`
	CreditPolicy       string `toml:"credit_policy"`
	MinCreditThreshold uint32 `toml:"min_credit_threshold"`
	CreditBoost        uint32 `toml:"credit_boost"`
	SndSettleMode      string `toml:"snd_settle_mode"`
	RcvSettleMode      string `toml:"rcv_settle_mode"`
	DeliveryPolicy     string `toml:"delivery_policy,omitempty"`
}

type FrameSection struct {
	MaxFrameSize uint32 `toml:"max_frame_size"`
}

type TransportSection struct {
	ConnectTimeout    string  `toml:"connect_timeout"`
	DialAttempts      int     `toml:"dial_attempts"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
	SecurityMode      string  `toml:"security_mode"`
}

type TLSSection struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Load reads path and applies every key it defines on top of
// transport.DefaultConfig. Keys the file leaves out keep their defaults.
func Load(path string) (transport.Config, error) {
	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return transport.Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	cfg, err := apply(transport.DefaultConfig(), raw, meta)
	if err != nil {
		return transport.Config{}, fmt.Errorf("config (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(doc string) (transport.Config, error) {
	var raw File
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return transport.Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(transport.DefaultConfig(), raw, meta)
}

func apply(cfg transport.Config, raw File, meta toml.MetaData) (transport.Config, error) {
	var err error
	s := &cfg.Session
	if meta.IsDefined("session", "incoming_window") {
		s.IncomingWindow = raw.Session.IncomingWindow
	}
	if meta.IsDefined("session", "outgoing_window") {
		s.OutgoingWindow = raw.Session.OutgoingWindow
	}
	if meta.IsDefined("session", "low_water") {
		s.LowWater = raw.Session.LowWater
	} else if meta.IsDefined("session", "incoming_window") {
		// derive from the configured window rather than the default one
		s.LowWater = 0
	}
	if meta.IsDefined("session", "handle_max") {
		s.HandleMax = raw.Session.HandleMax
	}
	if meta.IsDefined("session", "window_wait") {
		if s.WindowWait, err = duration("session.window_wait", raw.Session.WindowWait); err != nil {
			return cfg, err
		}
	}

	l := &s.Link
	if meta.IsDefined("link", "max_unsettled") {
		l.Sender.MaxUnsettled = raw.Link.MaxUnsettled
	}
	if meta.IsDefined("link", "unsettled_resume") {
		l.Sender.UnsettledResume = raw.Link.UnsettledResume
	}
	if meta.IsDefined("link", "max_unsent") {
		l.Sender.MaxUnsent = raw.Link.MaxUnsent
	}
	if meta.IsDefined("link", "unsent_resume") {
		l.Sender.UnsentResume = raw.Link.UnsentResume
	}
	if meta.IsDefined("link", "max_wait") {
		if l.Sender.MaxWait, err = duration("link.max_wait", raw.Link.MaxWait); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("link", "credit_wait") {
		if l.Sender.CreditWait, err = duration("link.credit_wait", raw.Link.CreditWait); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("link", "credit_policy") {
		if l.Receiver.Policy, err = link.ParseCreditPolicy(raw.Link.CreditPolicy); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("link", "min_credit_threshold") {
		l.Receiver.MinCreditThreshold = raw.Link.MinCreditThreshold
	}
	if meta.IsDefined("link", "credit_boost") {
		l.Receiver.CreditBoost = raw.Link.CreditBoost
	}
	if meta.IsDefined("link", "snd_settle_mode") {
		if l.SndSettleMode, err = amqp.ParseSndSettleMode(raw.Link.SndSettleMode); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("link", "rcv_settle_mode") {
		if l.RcvSettleMode, err = amqp.ParseRcvSettleMode(raw.Link.RcvSettleMode); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("link", "delivery_policy") {
		p, err := amqp.ParseDeliveryPolicy(raw.Link.DeliveryPolicy)
		if err != nil {
			return cfg, err
		}
		if *l, err = l.WithPolicy(p); err != nil {
			return cfg, err
		}
	}

	if meta.IsDefined("frame", "max_frame_size") {
		cfg.Frame.MaxFrameSize = raw.Frame.MaxFrameSize
	}

	t := raw.Transport
	if meta.IsDefined("transport", "connect_timeout") {
		if cfg.ConnectTimeout, err = duration("transport.connect_timeout", t.ConnectTimeout); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("transport", "dial_attempts") {
		cfg.DialAttempts = t.DialAttempts
	}
	if meta.IsDefined("transport", "backoff_initial") {
		if cfg.Backoff.InitialDelay, err = duration("transport.backoff_initial", t.BackoffInitial); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("transport", "backoff_max") {
		if cfg.Backoff.MaxDelay, err = duration("transport.backoff_max", t.BackoffMax); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("transport", "backoff_multiplier") {
		cfg.Backoff.Multiplier = t.BackoffMultiplier
	}
	if meta.IsDefined("transport", "backoff_jitter") {
		cfg.Backoff.Jitter = t.BackoffJitter
	}
	if meta.IsDefined("transport", "security_mode") {
		cfg.SecurityMode = transport.SecurityMode(t.SecurityMode)
	}

	tc := raw.TLS
	if meta.IsDefined("tls", "enabled") {
		cfg.TLS.Enabled = tc.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		cfg.TLS.Mutual = tc.Mutual
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(tc.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(tc.KeyFile)
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(tc.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(tc.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = tc.InsecureSkipVerify
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return cfg, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func duration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return d, nil
}
