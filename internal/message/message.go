// Package message defines the envelope carried in transfer payloads.
package message

import (
	"errors"
	"fmt"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ContentType is the media type of an encoded envelope.
const ContentType = "application/cbor"

var (
	ErrInvalidMessage = errors.New("message: invalid message")
	ErrDecode         = errors.New("message: decode failed")
)

// Message is an application message. Properties carry application headers.
type Message struct {
	ID           string            `cbor:"1,keyasint"`
	Subject      string            `cbor:"2,keyasint,omitempty"`
	ContentType  string            `cbor:"3,keyasint,omitempty"`
	CreationTime time.Time         `cbor:"4,keyasint"`
	Properties   map[string]string `cbor:"5,keyasint,omitempty"`
	Body         []byte            `cbor:"6,keyasint,omitempty"`
}

var (
	modesOnce sync.Once
	encMode   cbor.EncMode
	decMode   cbor.DecMode
	modesErr  error
)

func modes() (cbor.EncMode, cbor.DecMode, error) {
	modesOnce.Do(func() {
		opts := cbor.CanonicalEncOptions()
		opts.Time = cbor.TimeRFC3339Nano
		encMode, modesErr = opts.EncMode()
		if modesErr != nil {
			return
		}
		decMode, modesErr = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	})
	return encMode, decMode, modesErr
}

// NewID returns a fresh message id.
func NewID() string { return uuid.NewString() }

// New builds a message with a fresh id and the current creation time.
func New(subject string, body []byte) Message {
	return Message{
		ID:           NewID(),
		Subject:      subject,
		CreationTime: time.Now().UTC(),
		Body:         body,
	}
}

func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	return nil
}

// Encode returns the canonical encoding of m. Equal messages encode to
// identical bytes.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	em, _, err := modes()
	if err != nil {
		return nil, err
	}
	return em.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	_, dm, err := modes()
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := dm.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
