package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

var byteNewline = []byte{'\n'}

// Command is an outbound client command: an upper-case ASCII name,
// optional space-separated parameters, a newline, and an optional
// length-prefixed body. MPUB carries its composite body pre-assembled by
// the MultiPublish constructor; WriteTo always frames Body with a single
// big-endian int32 length.
type Command struct {
	Name   []byte
	Params [][]byte
	Body   []byte
}

func (c *Command) String() string {
	if len(c.Params) > 0 {
		s := string(c.Name)
		for _, p := range c.Params {
			s += " " + string(p)
		}
		return s
	}
	return string(c.Name)
}

// WriteTo encodes the command to w in wire format.
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	var total int64
	var buf [4]byte

	n, err := w.Write(c.Name)
	total += int64(n)
	if err != nil {
		return total, err
	}

	for _, p := range c.Params {
		n, err := w.Write(byteSpace)
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = w.Write(p)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	n, err = w.Write(byteNewline)
	total += int64(n)
	if err != nil {
		return total, err
	}

	if c.Body != nil {
		binary.BigEndian.PutUint32(buf[:], uint32(len(c.Body)))
		n, err := w.Write(buf[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = w.Write(c.Body)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Bytes returns the wire encoding of the command.
func (c *Command) Bytes() []byte {
	size := len(c.Name) + 1
	for _, p := range c.Params {
		size += 1 + len(p)
	}
	if c.Body != nil {
		size += 4 + len(c.Body)
	}
	out := make([]byte, 0, size)
	out = append(out, c.Name...)
	for _, p := range c.Params {
		out = append(out, ' ')
		out = append(out, p...)
	}
	out = append(out, '\n')
	if c.Body != nil {
		out = binary.BigEndian.AppendUint32(out, uint32(len(c.Body)))
		out = append(out, c.Body...)
	}
	return out
}

var byteSpace = []byte{' '}

// Identify sends client metadata and requests feature negotiation. The
// body is the JSON encoding of the option map.
func Identify(opts map[string]any) (*Command, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("identify body: %w", err)
	}
	return &Command{Name: []byte("IDENTIFY"), Body: body}, nil
}

// Auth answers a server auth_required challenge with the shared secret.
func Auth(secret string) *Command {
	return &Command{Name: []byte("AUTH"), Body: []byte(secret)}
}

// Subscribe consumes a channel on a topic.
func Subscribe(topic, channel string) *Command {
	return &Command{Name: []byte("SUB"), Params: [][]byte{[]byte(topic), []byte(channel)}}
}

// Publish sends one message to a topic.
func Publish(topic string, body []byte) *Command {
	return &Command{Name: []byte("PUB"), Params: [][]byte{[]byte(topic)}, Body: body}
}

// DeferredPublish sends one message to a topic to be delivered after the
// given delay.
func DeferredPublish(topic string, delay time.Duration, body []byte) *Command {
	params := [][]byte{
		[]byte(topic),
		strconv.AppendInt(nil, int64(delay/time.Millisecond), 10),
	}
	return &Command{Name: []byte("DPUB"), Params: params, Body: body}
}

// MultiPublish atomically sends a batch of messages to a topic. The body
// is int32be count followed by each part with its own int32be length;
// WriteTo adds the outer total length.
func MultiPublish(topic string, parts [][]byte) *Command {
	size := 4
	for _, p := range parts {
		size += 4 + len(p)
	}
	body := make([]byte, 0, size)
	body = binary.BigEndian.AppendUint32(body, uint32(len(parts)))
	for _, p := range parts {
		body = binary.BigEndian.AppendUint32(body, uint32(len(p)))
		body = append(body, p...)
	}
	return &Command{Name: []byte("MPUB"), Params: [][]byte{[]byte(topic)}, Body: body}
}

// Ready updates the per-connection message credit.
func Ready(count int64) *Command {
	return &Command{Name: []byte("RDY"), Params: [][]byte{strconv.AppendInt(nil, count, 10)}}
}

// Finish acknowledges successful processing of a message.
func Finish(id MessageID) *Command {
	return &Command{Name: []byte("FIN"), Params: [][]byte{id[:]}}
}

// Requeue returns a message for redelivery after the given delay.
func Requeue(id MessageID, delay time.Duration) *Command {
	params := [][]byte{
		id[:],
		strconv.AppendInt(nil, int64(delay/time.Millisecond), 10),
	}
	return &Command{Name: []byte("REQ"), Params: params}
}

// Touch extends the server-side processing deadline of a message.
func Touch(id MessageID) *Command {
	return &Command{Name: []byte("TOUCH"), Params: [][]byte{id[:]}}
}

// Close starts a graceful shutdown; the server stops sending messages
// and acknowledges with CLOSE_WAIT.
func Close() *Command {
	return &Command{Name: []byte("CLS")}
}

// Nop answers a server heartbeat.
func Nop() *Command {
	return &Command{Name: []byte("NOP")}
}
