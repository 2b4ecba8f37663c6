package link

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/amqpwire/internal/amqp"
)

// CreditPolicy decides how a receiving link grants credit.
type CreditPolicy string

const (
	// Credit is granted only when the application asks for a message.
	CreditOfferedByTarget CreditPolicy = "offered-by-target"
	// Credit is topped up by CreditBoost whenever it falls below MinCreditThreshold.
	CreditSteadyState CreditPolicy = "steady-state"
	// Credit is granted in response to the sender advertising available messages.
	CreditAsDemandedBySender CreditPolicy = "as-demanded-by-sender"
)

func ParseCreditPolicy(raw string) (CreditPolicy, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.TrimPrefix(norm, "credit_")
	norm = strings.ReplaceAll(norm, "_", "-")
	switch CreditPolicy(norm) {
	case CreditOfferedByTarget, CreditSteadyState, CreditAsDemandedBySender:
		return CreditPolicy(norm), nil
	default:
		return "", fmt.Errorf("%w: unknown credit policy %q", ErrInvalidConfig, raw)
	}
}

// SenderConfig bounds the sending side of a link.
type SenderConfig struct {
	MaxUnsent       int
	UnsentResume    int
	MaxUnsettled    int
	UnsettledResume int
	// MaxWait bounds how long a send blocks on a congestion threshold.
	MaxWait time.Duration
	// CreditWait bounds a single wait for link credit.
	CreditWait time.Duration
}

func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MaxUnsent:       1000,
		UnsentResume:    800,
		MaxUnsettled:    1000,
		UnsettledResume: 800,
		MaxWait:         30 * time.Second,
		CreditWait:      5 * time.Second,
	}
}

func (c SenderConfig) WithDefaults() SenderConfig {
	def := DefaultSenderConfig()
	if c.MaxUnsent <= 0 {
		c.MaxUnsent = def.MaxUnsent
	}
	if c.UnsentResume <= 0 || c.UnsentResume > c.MaxUnsent {
		c.UnsentResume = c.MaxUnsent * 4 / 5
	}
	if c.MaxUnsettled <= 0 {
		c.MaxUnsettled = def.MaxUnsettled
	}
	if c.UnsettledResume <= 0 || c.UnsettledResume > c.MaxUnsettled {
		c.UnsettledResume = c.MaxUnsettled * 4 / 5
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	if c.CreditWait <= 0 {
		c.CreditWait = def.CreditWait
	}
	return c
}

func (c SenderConfig) Validate() error {
	if c.MaxUnsent <= 0 || c.MaxUnsettled <= 0 {
		return fmt.Errorf("%w: max thresholds must be positive", ErrInvalidConfig)
	}
	if c.UnsentResume < 0 || c.UnsentResume > c.MaxUnsent {
		return fmt.Errorf("%w: unsent_resume=%d outside [0,%d]", ErrInvalidConfig, c.UnsentResume, c.MaxUnsent)
	}
	if c.UnsettledResume < 0 || c.UnsettledResume > c.MaxUnsettled {
		return fmt.Errorf("%w: unsettled_resume=%d outside [0,%d]", ErrInvalidConfig, c.UnsettledResume, c.MaxUnsettled)
	}
	if c.MaxWait <= 0 || c.CreditWait <= 0 {
		return fmt.Errorf("%w: waits must be positive", ErrInvalidConfig)
	}
	return nil
}

// ReceiverConfig controls credit issuance on the receiving side of a link.
type ReceiverConfig struct {
	Policy             CreditPolicy
	MinCreditThreshold uint32
	CreditBoost        uint32
}

func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Policy:             CreditSteadyState,
		MinCreditThreshold: 50,
		CreditBoost:        100,
	}
}

func (c ReceiverConfig) WithDefaults() ReceiverConfig {
	def := DefaultReceiverConfig()
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.CreditBoost == 0 {
		c.CreditBoost = def.CreditBoost
	}
	if c.MinCreditThreshold == 0 || c.MinCreditThreshold > c.CreditBoost {
		c.MinCreditThreshold = c.CreditBoost / 2
	}
	return c
}

func (c ReceiverConfig) Validate() error {
	if _, err := ParseCreditPolicy(string(c.Policy)); err != nil {
		return err
	}
	if c.CreditBoost == 0 {
		return fmt.Errorf("%w: credit_boost must be positive", ErrInvalidConfig)
	}
	if c.MinCreditThreshold > c.CreditBoost {
		return fmt.Errorf("%w: min_credit_threshold=%d above credit_boost=%d", ErrInvalidConfig, c.MinCreditThreshold, c.CreditBoost)
	}
	return nil
}

// Config is the full per-link configuration.
type Config struct {
	SndSettleMode amqp.SndSettleMode
	RcvSettleMode amqp.RcvSettleMode
	Sender        SenderConfig
	Receiver      ReceiverConfig
}

// DefaultConfig returns at-least-once links with default flow bounds.
func DefaultConfig() Config {
	return Config{
		SndSettleMode: amqp.SndUnsettled,
		RcvSettleMode: amqp.RcvFirst,
		Sender:        DefaultSenderConfig(),
		Receiver:      DefaultReceiverConfig(),
	}
}

// WithPolicy overrides both settle modes from a delivery policy.
func (c Config) WithPolicy(p amqp.DeliveryPolicy) (Config, error) {
	snd, rcv, err := p.SettleModes()
	if err != nil {
		return c, err
	}
	c.SndSettleMode = snd
	c.RcvSettleMode = rcv
	return c, nil
}

func (c Config) WithDefaults() Config {
	c.Sender = c.Sender.WithDefaults()
	c.Receiver = c.Receiver.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if c.SndSettleMode > amqp.SndMixed {
		return fmt.Errorf("%w: snd_settle_mode=%d", ErrInvalidConfig, c.SndSettleMode)
	}
	if c.RcvSettleMode > amqp.RcvSecond {
		return fmt.Errorf("%w: rcv_settle_mode=%d", ErrInvalidConfig, c.RcvSettleMode)
	}
	if err := c.Sender.Validate(); err != nil {
		return err
	}
	return c.Receiver.Validate()
}
