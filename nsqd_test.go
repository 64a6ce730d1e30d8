package gonsq

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/list-family/gonsq/internal/logging"
	"github.com/list-family/gonsq/protocol"
)

// fakeNSQD is an in-process nsqd speaking just enough V2 protocol for
// the client under test. Each accepted connection runs the supplied
// handler in its own goroutine.
type fakeNSQD struct {
	t    *testing.T
	ln   net.Listener
	addr string
}

func startFakeNSQD(t *testing.T, handler func(s *nsqdSession)) *fakeNSQD {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeNSQD{t: t, ln: ln, addr: ln.Addr().String()}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s := &nsqdSession{t: t, c: c, br: bufio.NewReader(c), w: c}
			go func() {
				defer c.Close()
				handler(s)
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeNSQD) Addr() string { return f.addr }

type nsqdSession struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
	w  io.Writer
}

func (s *nsqdSession) flush() {
	if fw, ok := s.w.(protocol.FlushWriter); ok {
		if err := fw.Flush(); err != nil {
			s.t.Errorf("session flush: %v", err)
		}
	}
}

// expectMagic consumes the "  V2" preamble.
func (s *nsqdSession) expectMagic() {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(s.br, magic); err != nil {
		s.t.Errorf("read magic: %v", err)
		return
	}
	if string(magic) != "  V2" {
		s.t.Errorf("bad magic %q", magic)
	}
}

// readCommand parses one client command, including the length-prefixed
// body for commands that carry one.
func (s *nsqdSession) readCommand() (name string, params []string, body []byte) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return "", nil, nil
	}
	fields := strings.Split(strings.TrimSuffix(line, "\n"), " ")
	name = fields[0]
	params = fields[1:]
	switch name {
	case "IDENTIFY", "AUTH", "PUB", "MPUB", "DPUB":
		var szb [4]byte
		if _, err := io.ReadFull(s.br, szb[:]); err != nil {
			s.t.Errorf("read %s body size: %v", name, err)
			return name, params, nil
		}
		body = make([]byte, binary.BigEndian.Uint32(szb[:]))
		if _, err := io.ReadFull(s.br, body); err != nil {
			s.t.Errorf("read %s body: %v", name, err)
		}
	}
	return name, params, body
}

func (s *nsqdSession) writeFrame(ft protocol.FrameType, body []byte) {
	buf := make([]byte, 0, 8+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(body)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(ft))
	buf = append(buf, body...)
	if _, err := s.w.Write(buf); err != nil {
		return // client side closed; handlers treat writes as best effort
	}
	s.flush()
}

func (s *nsqdSession) respond(body string) {
	s.writeFrame(protocol.FrameTypeResponse, []byte(body))
}

func (s *nsqdSession) respondError(body string) {
	s.writeFrame(protocol.FrameTypeError, []byte(body))
}

func (s *nsqdSession) sendMessage(id string, attempts uint16, body string) {
	payload := make([]byte, 0, 26+len(body))
	payload = binary.BigEndian.AppendUint64(payload, 1)
	payload = binary.BigEndian.AppendUint16(payload, attempts)
	payload = append(payload, id...)
	payload = append(payload, body...)
	s.writeFrame(protocol.FrameTypeMessage, payload)
}

// handshake consumes magic + IDENTIFY and answers with a negotiation
// payload.
func (s *nsqdSession) handshake() {
	s.handshakeWith(`{"max_rdy_count":2500,"version":"1.2.1"}`)
}

func (s *nsqdSession) handshakeWith(identifyResponse string) {
	s.expectMagic()
	name, _, _ := s.readCommand()
	if name != "IDENTIFY" {
		s.t.Errorf("expected IDENTIFY, got %q", name)
		return
	}
	s.respond(identifyResponse)
}

// upgradeSnappy switches the session to snappy streams, mirroring what
// nsqd does right after confirming the feature.
func (s *nsqdSession) upgradeSnappy() {
	s.w = protocol.NewSnappyWriter(s.c)
	s.br = bufio.NewReader(protocol.NewSnappyReader(s.c))
}

// upgradeDeflate switches the session to raw DEFLATE streams.
func (s *nsqdSession) upgradeDeflate(level int) {
	fw, err := protocol.NewDeflateWriter(s.c, level)
	if err != nil {
		s.t.Errorf("session deflate writer: %v", err)
		return
	}
	s.w = fw
	s.br = bufio.NewReader(protocol.NewDeflateReader(s.c))
}

// drain keeps consuming commands until the peer hangs up.
func (s *nsqdSession) drain() {
	for {
		name, _, _ := s.readCommand()
		if name == "" {
			return
		}
	}
}

func testConfig() *Config {
	cfg := NewConfig()
	cfg.HeartbeatInterval = time.Second
	cfg.DialTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.CloseWaitTimeout = 500 * time.Millisecond
	cfg.DrainTimeout = time.Second
	cfg.RedistributeInterval = 50 * time.Millisecond
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.LookupdPollInterval = 100 * time.Millisecond
	cfg.Logger = logging.New("text", slog.LevelError, io.Discard)
	return cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}
