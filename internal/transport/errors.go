package transport

import "errors"

var (
	ErrConnClosed       = errors.New("transport: connection closed")
	ErrUnsupportedFrame = errors.New("transport: unsupported frame type")
	ErrUnknownChannel   = errors.New("transport: frame on unknown channel")
	ErrChannelExhausted = errors.New("transport: no free channel")
	ErrInvalidConfig    = errors.New("transport: invalid config")

	ErrInvalidSecurityMode   = errors.New("transport: invalid security mode")
	ErrTLSRequired           = errors.New("transport: tls required")
	ErrMTLSRequired          = errors.New("transport: mtls required")
	ErrTLSCertFileRequired   = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired    = errors.New("transport: tls key file required")
	ErrTLSCAFileRequired     = errors.New("transport: tls ca file required")
	ErrTLSInsecureSkipVerify = errors.New("transport: insecure skip verify not allowed")
)
