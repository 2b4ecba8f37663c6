package amqp

import "fmt"

// OutcomeKind names a terminal delivery state.
type OutcomeKind uint8

const (
	KindAccepted OutcomeKind = 0x24
	KindRejected OutcomeKind = 0x25
	KindReleased OutcomeKind = 0x26
	KindModified OutcomeKind = 0x27
)

func (k OutcomeKind) String() string {
	switch k {
	case KindAccepted:
		return "accepted"
	case KindRejected:
		return "rejected"
	case KindReleased:
		return "released"
	case KindModified:
		return "modified"
	default:
		return fmt.Sprintf("outcome(0x%02x)", uint8(k))
	}
}

// Outcome is the state reported for a delivery. A nil *Outcome means no
// state was reported. Outcomes are comparable values: two outcomes are
// structurally equal iff their fields are equal.
type Outcome struct {
	Kind              OutcomeKind
	Condition         string
	Description       string
	DeliveryFailed    bool
	UndeliverableHere bool
}

func Accepted() *Outcome { return &Outcome{Kind: KindAccepted} }

func Released() *Outcome { return &Outcome{Kind: KindReleased} }

func Rejected(condition, description string) *Outcome {
	return &Outcome{Kind: KindRejected, Condition: condition, Description: description}
}

func Modified(deliveryFailed, undeliverableHere bool) *Outcome {
	return &Outcome{Kind: KindModified, DeliveryFailed: deliveryFailed, UndeliverableHere: undeliverableHere}
}

// OutcomeEqual reports structural equality, treating two nils as equal.
func OutcomeEqual(a, b *Outcome) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (o *Outcome) String() string {
	if o == nil {
		return "none"
	}
	switch o.Kind {
	case KindRejected:
		if o.Condition != "" {
			return fmt.Sprintf("rejected(%s)", o.Condition)
		}
	case KindModified:
		return fmt.Sprintf("modified(failed=%t,undeliverable=%t)", o.DeliveryFailed, o.UndeliverableHere)
	}
	return o.Kind.String()
}

// Valid reports whether o names a known kind.
func (o *Outcome) Valid() bool {
	if o == nil {
		return true
	}
	switch o.Kind {
	case KindAccepted, KindRejected, KindReleased, KindModified:
		return true
	}
	return false
}
