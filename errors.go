package gonsq

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
	ErrClosing           = errors.New("connection closing")
	ErrStopped           = errors.New("consumer stopped")
	ErrCommandTimeout    = errors.New("command timeout")
	ErrTLSNotSupported   = errors.New("tls negotiation not supported")
	ErrMessageResponded  = errors.New("message already responded to")
)
