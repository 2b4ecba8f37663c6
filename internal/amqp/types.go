// Package amqp holds the protocol vocabulary shared by the transport layers:
// link roles, settle modes, delivery policies and delivery outcomes.
package amqp

import (
	"fmt"
	"strings"
)

// Role is the direction of a link end.
type Role bool

const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// Opposite returns the role of the peer end of the same link.
func (r Role) Opposite() Role { return !r }

// SndSettleMode defines when the sending end of the link settles message delivery.
type SndSettleMode uint8

const (
	// Messages are sent unsettled.
	SndUnsettled SndSettleMode = 0
	// Messages are sent already settled.
	SndSettled SndSettleMode = 1
	// Sender can send either unsettled or settled messages.
	SndMixed SndSettleMode = 2
)

func (m SndSettleMode) String() string {
	switch m {
	case SndUnsettled:
		return "unsettled"
	case SndSettled:
		return "settled"
	case SndMixed:
		return "mixed"
	default:
		return fmt.Sprintf("snd-settle(%d)", uint8(m))
	}
}

// RcvSettleMode defines when the receiving end of the link settles message delivery.
type RcvSettleMode uint8

const (
	// Receiver settles first.
	RcvFirst RcvSettleMode = 0
	// Receiver waits for sender to settle before settling.
	RcvSecond RcvSettleMode = 1
)

func (m RcvSettleMode) String() string {
	switch m {
	case RcvFirst:
		return "first"
	case RcvSecond:
		return "second"
	default:
		return fmt.Sprintf("rcv-settle(%d)", uint8(m))
	}
}

// DeliveryPolicy is shorthand that fixes a settle mode pair.
type DeliveryPolicy string

const (
	AtMostOnce  DeliveryPolicy = "at-most-once"
	AtLeastOnce DeliveryPolicy = "at-least-once"
	ExactlyOnce DeliveryPolicy = "exactly-once"
)

// SettleModes returns the settle mode pair fixed by p.
func (p DeliveryPolicy) SettleModes() (SndSettleMode, RcvSettleMode, error) {
	switch p {
	case AtMostOnce:
		return SndSettled, RcvFirst, nil
	case AtLeastOnce:
		return SndUnsettled, RcvFirst, nil
	case ExactlyOnce:
		return SndUnsettled, RcvSecond, nil
	default:
		return 0, 0, fmt.Errorf("amqp: unknown delivery policy %q", string(p))
	}
}

// ParseDeliveryPolicy accepts the canonical names plus underscore and
// camel-case spellings.
func ParseDeliveryPolicy(raw string) (DeliveryPolicy, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	switch norm {
	case "at-most-once", "atmostonce":
		return AtMostOnce, nil
	case "at-least-once", "atleastonce":
		return AtLeastOnce, nil
	case "exactly-once", "exactlyonce":
		return ExactlyOnce, nil
	default:
		return "", fmt.Errorf("amqp: unknown delivery policy %q", raw)
	}
}

func ParseSndSettleMode(raw string) (SndSettleMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "unsettled":
		return SndUnsettled, nil
	case "settled":
		return SndSettled, nil
	case "mixed":
		return SndMixed, nil
	default:
		return 0, fmt.Errorf("amqp: unknown snd settle mode %q", raw)
	}
}

func ParseRcvSettleMode(raw string) (RcvSettleMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "first":
		return RcvFirst, nil
	case "second":
		return RcvSecond, nil
	default:
		return 0, fmt.Errorf("amqp: unknown rcv settle mode %q", raw)
	}
}
