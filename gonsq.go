// Package gonsq is a client for the NSQ distributed message queue. It
// speaks the V2 TCP protocol to nsqd, discovers brokers through
// nsqlookupd, and spreads a global in-flight budget across connections
// with adaptive RDY control.
package gonsq

import (
	"log/slog"

	"github.com/list-family/gonsq/internal/logging"
)

// Version of the library, reported to nsqd in the IDENTIFY user agent.
const Version = "1.0.0"

func defaultLogger() *slog.Logger { return logging.L() }
