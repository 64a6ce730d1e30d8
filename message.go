package gonsq

import (
	"sync/atomic"
	"time"

	"github.com/list-family/gonsq/internal/metrics"
	"github.com/list-family/gonsq/protocol"
)

// Message is a delivered message bound to the connection it arrived on.
// Exactly one of Finish or Requeue must be called; Touch may be called
// any number of times before that.
type Message struct {
	ID          protocol.MessageID
	Body        []byte
	Timestamp   time.Time
	Attempts    uint16
	NSQDAddress string

	conn      *Conn
	responded atomic.Bool
}

// Finish acknowledges successful processing (FIN).
func (m *Message) Finish() error {
	if m.responded.Swap(true) {
		return ErrMessageResponded
	}
	metrics.IncMessageFinished()
	return m.conn.Fin(m.ID)
}

// Requeue returns the message for redelivery after delay (REQ). A zero
// delay requeues immediately.
func (m *Message) Requeue(delay time.Duration) error {
	if m.responded.Swap(true) {
		return ErrMessageResponded
	}
	metrics.IncMessageRequeued()
	return m.conn.Req(m.ID, delay)
}

// Touch extends the server-side processing deadline (TOUCH).
func (m *Message) Touch() error {
	if m.responded.Load() {
		return ErrMessageResponded
	}
	return m.conn.Touch(m.ID)
}
