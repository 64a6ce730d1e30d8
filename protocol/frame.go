// Package protocol implements the NSQ V2 TCP wire protocol: the framed
// stream parser, the command encoder and the optional per-connection
// stream compression codecs.
//
// See https://nsq.io/clients/tcp_protocol_spec.html
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// MagicV2 is written by the client immediately after the TCP connect to
// select protocol version 2.
var MagicV2 = []byte("  V2")

// FrameType identifies the payload kind of a wire frame.
type FrameType int32

const (
	FrameTypeResponse FrameType = 0
	FrameTypeError    FrameType = 1
	FrameTypeMessage  FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeResponse:
		return "response"
	case FrameTypeError:
		return "error"
	case FrameTypeMessage:
		return "message"
	}
	return fmt.Sprintf("frame_type(%d)", int32(t))
}

// ErrProtocol is returned when the byte stream violates the framing
// rules. It is fatal for the connection that produced it.
var ErrProtocol = errors.New("protocol error")

var heartbeatBody = []byte("_heartbeat_")

// Response is a FrameTypeResponse frame.
type Response struct {
	Body []byte
}

// IsOK reports whether the response is the server acknowledgement "OK".
func (r *Response) IsOK() bool { return bytes.Equal(r.Body, []byte(OK)) }

// IsHeartbeat reports whether the response is a server liveness probe.
func (r *Response) IsHeartbeat() bool { return bytes.Equal(r.Body, heartbeatBody) }

// IsCloseWait reports whether the response acknowledges a CLS command.
func (r *Response) IsCloseWait() bool { return bytes.Equal(r.Body, []byte(CloseWait)) }

// ErrorFrame is a FrameTypeError frame. The body is split on the first
// whitespace into a machine-readable code and a free-form description.
// ErrorFrame implements error so server errors flow through the usual
// error returns.
type ErrorFrame struct {
	Code string
	Desc []byte
}

func (e *ErrorFrame) Error() string {
	if len(e.Desc) == 0 {
		return e.Code
	}
	return e.Code + " " + string(e.Desc)
}

// Fatal reports whether the error code terminates the connection.
func (e *ErrorFrame) Fatal() bool { return IsFatalErrorCode(e.Code) }

// MsgIDLength is the number of bytes in a message id.
const MsgIDLength = 16

// MessageID is the opaque 16-byte ASCII id assigned by nsqd. FIN, REQ
// and TOUCH correlate by echoing it verbatim.
type MessageID [MsgIDLength]byte

func (id MessageID) String() string { return string(id[:]) }

// Message is a FrameTypeMessage frame.
type Message struct {
	Timestamp int64 // ns since epoch
	Attempts  uint16
	ID        MessageID
	Body      []byte
}

// Time returns the server receive time of the message.
func (m *Message) Time() time.Time { return time.Unix(0, m.Timestamp) }

// Frame is one decoded wire frame: *Response, *ErrorFrame or *Message.
type Frame interface {
	Type() FrameType
}

func (r *Response) Type() FrameType   { return FrameTypeResponse }
func (e *ErrorFrame) Type() FrameType { return FrameTypeError }
func (m *Message) Type() FrameType    { return FrameTypeMessage }

// Distinguished response bodies.
const (
	OK        = "OK"
	CloseWait = "CLOSE_WAIT"
)

// Server error codes.
const (
	ErrCodeInvalid      = "E_INVALID"
	ErrCodeBadBody      = "E_BAD_BODY"
	ErrCodeBadTopic     = "E_BAD_TOPIC"
	ErrCodeBadChannel   = "E_BAD_CHANNEL"
	ErrCodeBadMessage   = "E_BAD_MESSAGE"
	ErrCodeAuthFailed   = "E_AUTH_FAILED"
	ErrCodeUnauthorized = "E_UNAUTHORIZED"
	ErrCodeFinFailed    = "E_FIN_FAILED"
	ErrCodeReqFailed    = "E_REQ_FAILED"
	ErrCodeTouchFailed  = "E_TOUCH_FAILED"
	ErrCodePubFailed    = "E_PUB_FAILED"
	ErrCodeMPubFailed   = "E_MPUB_FAILED"
)

// IsFatalErrorCode reports whether a server error code closes the
// connection. Per-message and per-publish failures only fail the command
// that caused them.
func IsFatalErrorCode(code string) bool {
	switch code {
	case ErrCodeFinFailed, ErrCodeReqFailed, ErrCodeTouchFailed,
		ErrCodePubFailed, ErrCodeMPubFailed:
		return false
	}
	return true
}

const (
	sizeLen   = 4
	frameLen  = 4
	msgHeader = 8 + 2 + MsgIDLength // timestamp + attempts + id
)

func decodeError(body []byte) *ErrorFrame {
	i := bytes.IndexAny(body, " \t")
	if i < 0 {
		return &ErrorFrame{Code: string(body)}
	}
	desc := bytes.TrimLeft(body[i+1:], " \t")
	return &ErrorFrame{Code: string(body[:i]), Desc: desc}
}

func decodeMessage(body []byte) (*Message, error) {
	if len(body) < msgHeader {
		return nil, fmt.Errorf("%w: short message frame (%d bytes)", ErrProtocol, len(body))
	}
	m := &Message{
		Timestamp: int64(binary.BigEndian.Uint64(body[:8])),
		Attempts:  binary.BigEndian.Uint16(body[8:10]),
		Body:      body[10+MsgIDLength:],
	}
	copy(m.ID[:], body[10:10+MsgIDLength])
	return m, nil
}
