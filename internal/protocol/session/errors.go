package session

import (
	"errors"

	"github.com/danmuck/amqpwire/internal/endpoint"
)

var (
	// ErrSessionEnded is the terminal error for every caller blocked on an
	// ended session.
	ErrSessionEnded = errors.New("session: ended")
	// ErrProtocolViolation marks peer behavior that ends the connection.
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrNotMapped         = errors.New("session: not mapped")
	ErrHandleExhausted   = errors.New("session: no free link handle")
	ErrLinkExists        = errors.New("session: link name already attached")
	ErrInvalidConfig     = errors.New("session: invalid config")
	// ErrWindowTimeout is returned when the outgoing window stays closed for
	// a whole WindowWait.
	ErrWindowTimeout = endpoint.ErrWindowTimeout
)
