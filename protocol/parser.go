package protocol

import (
	"encoding/binary"
	"fmt"
)

// Parser is a restartable push parser for the NSQ framed stream:
// size:int32be || frame_type:int32be || payload[size-4].
//
// Feed appends raw bytes, Next pulls at most one complete frame. The
// parser consumes via an offset and only compacts once the buffer is
// fully drained, so partial reads never copy the tail. Not safe for
// concurrent use; each connection reader owns exactly one Parser.
type Parser struct {
	buf      []byte
	off      int
	size     int  // payload size once the header has been read
	haveSize bool
}

// Feed appends a raw chunk obtained from the connection.
func (p *Parser) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if p.off == len(p.buf) {
		p.buf = p.buf[:0]
		p.off = 0
	}
	p.buf = append(p.buf, chunk...)
}

// Buffered returns the number of unconsumed bytes held by the parser.
func (p *Parser) Buffered() int { return len(p.buf) - p.off }

// Drain returns any unconsumed bytes and resets the parser. Used when a
// negotiated compression codec takes over the stream mid-connection:
// bytes read ahead in plaintext belong to the compressed stream.
func (p *Parser) Drain() []byte {
	rest := append([]byte(nil), p.buf[p.off:]...)
	p.buf = p.buf[:0]
	p.off = 0
	p.size = 0
	p.haveSize = false
	return rest
}

// Next returns the next complete frame, or (nil, nil) when the buffer
// does not yet contain one. A frame is never partially consumed. An
// unknown frame type or an impossible size returns an error wrapping
// ErrProtocol; the parser is then in an undefined state and the
// connection must be torn down.
func (p *Parser) Next() (Frame, error) {
	if !p.haveSize {
		if p.Buffered() < sizeLen {
			return nil, nil
		}
		size := int32(binary.BigEndian.Uint32(p.buf[p.off : p.off+sizeLen]))
		if size < frameLen {
			return nil, fmt.Errorf("%w: frame size %d", ErrProtocol, size)
		}
		p.size = int(size)
		p.haveSize = true
	}
	if p.Buffered() < sizeLen+p.size {
		return nil, nil
	}

	payload := p.buf[p.off+sizeLen : p.off+sizeLen+p.size]
	ft := FrameType(binary.BigEndian.Uint32(payload[:frameLen]))
	body := payload[frameLen:]

	var frame Frame
	switch ft {
	case FrameTypeResponse:
		frame = &Response{Body: copyBytes(body)}
	case FrameTypeError:
		frame = decodeError(copyBytes(body))
	case FrameTypeMessage:
		m, err := decodeMessage(copyBytes(body))
		if err != nil {
			return nil, err
		}
		frame = m
	default:
		return nil, fmt.Errorf("%w: unexpected frame type %d", ErrProtocol, int32(ft))
	}

	p.off += sizeLen + p.size
	p.size = 0
	p.haveSize = false
	return frame, nil
}

// copyBytes detaches a payload slice from the parser's reusable buffer.
func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
