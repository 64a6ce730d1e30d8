package gonsq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/list-family/gonsq/internal/metrics"
	"github.com/list-family/gonsq/protocol"
)

const (
	handshakeTimeout = 5 * time.Second
	defaultMaxRdy    = 2500
	readBufSize      = 16 * 1024
	cmdQueueSize     = 64
)

// IdentifyResponse is the server capability set returned from feature
// negotiation.
type IdentifyResponse struct {
	MaxRdyCount  int64 `json:"max_rdy_count"`
	TLSv1        bool  `json:"tls_v1"`
	Deflate      bool  `json:"deflate"`
	Snappy       bool  `json:"snappy"`
	AuthRequired bool  `json:"auth_required"`
}

type result struct {
	frame protocol.Frame
	err   error
}

// future is one slot in the FIFO pending-reply queue. The protocol has
// no correlation ids; replies match commands strictly in issue order.
type future struct {
	ch      chan result
	expired atomic.Bool
}

// Conn is a single TCP link to one nsqd: handshake, feature
// negotiation, heartbeats, command replies and message dispatch.
//
// A reader goroutine drains the socket through the framed parser; a
// writer goroutine serializes fire-and-forget commands from a queue.
// Reply-bearing commands write synchronously under the same lock that
// orders the pending-reply queue, so replies always match issue order.
type Conn struct {
	addr   string
	cfg    *Config
	logger *slog.Logger

	netConn net.Conn
	r       io.Reader
	w       io.Writer
	flusher protocol.FlushWriter // non-nil once compression is negotiated

	parser protocol.Parser

	mu      sync.Mutex // serializes writes and orders pending
	pending []*future

	cmdCh  chan *protocol.Command
	exitCh chan struct{}
	wg     sync.WaitGroup

	state      atomic.Int32
	subscribed atomic.Bool
	closeOnce  sync.Once

	rdyCount    atomic.Int64
	lastRdySent atomic.Int64
	maxRdy      int64
	lastMsgAt   atomic.Int64

	delivery  chan<- *Message
	onMessage func(connID string)
}

// ConnOption customizes a connection before Connect.
type ConnOption func(*Conn)

// WithDelivery routes received messages onto the shared consumer queue.
func WithDelivery(ch chan<- *Message) ConnOption {
	return func(c *Conn) { c.delivery = ch }
}

// WithMessageCallback registers the RDY-controller event sink invoked
// after every delivered message.
func WithMessageCallback(fn func(connID string)) ConnOption {
	return func(c *Conn) { c.onMessage = fn }
}

// WithConnLogger overrides the connection logger.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConn creates an unconnected Conn for the nsqd at addr ("host:port").
func NewConn(addr string, cfg *Config, opts ...ConnOption) *Conn {
	c := &Conn{
		addr:   addr,
		cfg:    cfg,
		logger: cfg.logger().With("nsqd", addr),
		cmdCh:  make(chan *protocol.Command, cmdQueueSize),
		exitCh: make(chan struct{}),
		maxRdy: defaultMaxRdy,
	}
	c.state.Store(int32(StateInit))
	for _, o := range opts {
		o(c)
	}
	return c
}

// ID identifies the connection across the consumer and the RDY
// controller.
func (c *Conn) ID() string { return "tcp://" + c.addr }

// Addr returns the dialed nsqd address.
func (c *Conn) Addr() string { return c.addr }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// RdyCount returns the remaining server-granted message credit.
func (c *Conn) RdyCount() int64 { return c.rdyCount.Load() }

// LastRDY returns the credit most recently sent with RDY.
func (c *Conn) LastRDY() int64 { return c.lastRdySent.Load() }

// MaxRDY returns the per-connection credit ceiling negotiated with the
// server.
func (c *Conn) MaxRDY() int64 { return c.maxRdy }

// LastMessageTime returns when the connection last received a message.
func (c *Conn) LastMessageTime() time.Time {
	return time.Unix(0, c.lastMsgAt.Load())
}

// IsStarved reports whether remaining credit dropped to a quarter or
// less of the last grant.
func (c *Conn) IsStarved() bool {
	last := c.lastRdySent.Load()
	return last > 0 && c.rdyCount.Load()*4 <= last
}

// Connect dials nsqd, writes the V2 magic, negotiates features via
// IDENTIFY (including compression and auth) and starts the reader and
// writer goroutines.
func (c *Conn) Connect(ctx context.Context) (*IdentifyResponse, error) {
	if c.State() != StateInit {
		return nil, fmt.Errorf("%w: connect from state %s", ErrAlreadyConnected, c.State())
	}
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		metrics.IncError(metrics.ErrDial)
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	c.netConn = nc
	c.r = nc
	c.w = nc

	_ = nc.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if _, err := nc.Write(protocol.MagicV2); err != nil {
		_ = nc.Close()
		metrics.IncError(metrics.ErrIdentify)
		return nil, fmt.Errorf("write magic: %w", err)
	}

	resp, err := c.identify()
	if err != nil {
		_ = nc.Close()
		metrics.IncError(metrics.ErrIdentify)
		return nil, err
	}
	if resp.AuthRequired {
		if err := c.auth(); err != nil {
			_ = nc.Close()
			metrics.IncError(metrics.ErrAuth)
			return nil, err
		}
	}

	c.state.Store(int32(StateConnected))
	c.logger.Info("conn_established", "max_rdy", c.maxRdy,
		"snappy", resp.Snappy, "deflate", resp.Deflate)

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return resp, nil
}

// identify runs feature negotiation synchronously, before the reader
// goroutine exists, and installs the negotiated compression streams.
func (c *Conn) identify() (*IdentifyResponse, error) {
	cmd, err := protocol.Identify(c.cfg.identifyOptions())
	if err != nil {
		return nil, err
	}
	if err := c.writeCommand(cmd); err != nil {
		return nil, fmt.Errorf("identify: %w", err)
	}
	fr, err := c.readFrameSync()
	if err != nil {
		return nil, fmt.Errorf("identify: %w", err)
	}
	switch f := fr.(type) {
	case *protocol.ErrorFrame:
		return nil, fmt.Errorf("identify: %w", f)
	case *protocol.Response:
		resp := &IdentifyResponse{}
		if f.IsOK() { // server without feature negotiation
			return resp, nil
		}
		if err := json.Unmarshal(f.Body, resp); err != nil {
			return nil, fmt.Errorf("identify response: %w", err)
		}
		if resp.MaxRdyCount > 0 {
			c.maxRdy = resp.MaxRdyCount
		}
		if resp.TLSv1 {
			return nil, ErrTLSNotSupported
		}
		if resp.Deflate {
			if err := c.upgradeDeflate(); err != nil {
				return nil, err
			}
		}
		if resp.Snappy {
			if err := c.upgradeSnappy(); err != nil {
				return nil, err
			}
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: identify answered with %s", protocol.ErrProtocol, fr.Type())
	}
}

func (c *Conn) auth() error {
	if c.cfg.AuthSecret == "" {
		return errors.New("server requires auth and no secret is configured")
	}
	if err := c.writeCommand(protocol.Auth(c.cfg.AuthSecret)); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	fr, err := c.readFrameSync()
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if ef, ok := fr.(*protocol.ErrorFrame); ok {
		return fmt.Errorf("auth: %w", ef)
	}
	return nil
}

// upgradeDeflate switches both directions to raw DEFLATE. Bytes already
// buffered in the plaintext parser were read ahead from the compressed
// stream and are replayed through the new reader.
func (c *Conn) upgradeDeflate() error {
	rest := c.parser.Drain()
	c.r = protocol.NewDeflateReader(io.MultiReader(bytes.NewReader(rest), c.netConn))
	fw, err := protocol.NewDeflateWriter(c.netConn, c.cfg.DeflateLevel)
	if err != nil {
		return err
	}
	c.w = fw
	c.flusher = fw
	return c.expectOK("deflate")
}

// upgradeSnappy switches both directions to the snappy stream framing.
func (c *Conn) upgradeSnappy() error {
	rest := c.parser.Drain()
	c.r = protocol.NewSnappyReader(io.MultiReader(bytes.NewReader(rest), c.netConn))
	sw := protocol.NewSnappyWriter(c.netConn)
	c.w = sw
	c.flusher = sw
	return c.expectOK("snappy")
}

// expectOK consumes the compressed OK the server sends to confirm the
// upgraded stream decodes.
func (c *Conn) expectOK(what string) error {
	fr, err := c.readFrameSync()
	if err != nil {
		return fmt.Errorf("%s upgrade: %w", what, err)
	}
	resp, ok := fr.(*protocol.Response)
	if !ok || !resp.IsOK() {
		return fmt.Errorf("%w: bad %s upgrade response", protocol.ErrProtocol, what)
	}
	return nil
}

// readFrameSync pulls exactly one frame during the handshake phase.
func (c *Conn) readFrameSync() (protocol.Frame, error) {
	buf := make([]byte, readBufSize)
	for {
		fr, err := c.parser.Next()
		if err != nil {
			return nil, err
		}
		if fr != nil {
			return fr, nil
		}
		_ = c.netConn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		n, err := c.r.Read(buf)
		if n > 0 {
			c.parser.Feed(buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// Execute encodes and sends cmd. Reply-bearing commands (IDENTIFY,
// AUTH, SUB, PUB, MPUB, DPUB, CLS) block for the matching RESPONSE or
// ERROR frame; the rest return after the write is queued. A ctx
// deadline fails the command without tearing down the connection — the
// eventual reply is discarded.
func (c *Conn) Execute(ctx context.Context, cmd *protocol.Command) (protocol.Frame, error) {
	if !c.State().Usable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, c.ID(), c.State())
	}
	return c.execute(ctx, cmd)
}

func (c *Conn) execute(ctx context.Context, cmd *protocol.Command) (protocol.Frame, error) {
	if !expectsReply(cmd) {
		return nil, c.send(cmd)
	}

	fut := &future{ch: make(chan result, 1)}
	c.mu.Lock()
	c.pending = append(c.pending, fut)
	err := c.writeCommandLocked(cmd)
	if err != nil {
		c.pending = c.pending[:len(c.pending)-1]
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case res := <-fut.ch:
		if res.err != nil {
			return nil, res.err
		}
		if ef, ok := res.frame.(*protocol.ErrorFrame); ok {
			return nil, ef
		}
		return res.frame, nil
	case <-ctx.Done():
		fut.expired.Store(true)
		return nil, fmt.Errorf("%w: %s: %v", ErrCommandTimeout, cmd, ctx.Err())
	case <-c.exitCh:
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, c.ID())
	}
}

// expectsReply reports whether the server answers cmd with a frame.
func expectsReply(cmd *protocol.Command) bool {
	switch string(cmd.Name) {
	case "IDENTIFY", "AUTH", "SUB", "PUB", "MPUB", "DPUB", "CLS":
		return true
	}
	return false
}

// Subscribe issues SUB and moves the connection to SUBSCRIBED. At most
// one SUB per connection lifetime.
func (c *Conn) Subscribe(ctx context.Context, topic, channel string) error {
	if c.subscribed.Swap(true) {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, c.ID())
	}
	if c.State() != StateConnected {
		return fmt.Errorf("%w: subscribe from state %s", ErrNotConnected, c.State())
	}
	fr, err := c.Execute(ctx, protocol.Subscribe(topic, channel))
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", topic, channel, err)
	}
	if resp, ok := fr.(*protocol.Response); !ok || !resp.IsOK() {
		return fmt.Errorf("%w: unexpected subscribe response", protocol.ErrProtocol)
	}
	c.state.Store(int32(StateSubscribed))
	c.logger.Info("conn_subscribed", "topic", topic, "channel", channel)
	return nil
}

// Fin acknowledges a message.
func (c *Conn) Fin(id protocol.MessageID) error {
	return c.send(protocol.Finish(id))
}

// Req returns a message for redelivery after delay.
func (c *Conn) Req(id protocol.MessageID, delay time.Duration) error {
	return c.send(protocol.Requeue(id, delay))
}

// Touch extends a message's processing deadline.
func (c *Conn) Touch(id protocol.MessageID) error {
	return c.send(protocol.Touch(id))
}

// SendRDY updates the server-side credit and the local mirror. Only the
// RDY controller calls this.
func (c *Conn) SendRDY(count int64) error {
	c.rdyCount.Store(count)
	c.lastRdySent.Store(count)
	return c.send(protocol.Ready(count))
}

// send queues a fire-and-forget command on the writer goroutine.
func (c *Conn) send(cmd *protocol.Command) error {
	select {
	case c.cmdCh <- cmd:
		return nil
	case <-c.exitCh:
		return fmt.Errorf("%w: %s", ErrNotConnected, c.ID())
	}
}

// Close performs a graceful shutdown: CLS, a bounded wait for
// CLOSE_WAIT, then socket close.
func (c *Conn) Close() error {
	swapped := c.state.CompareAndSwap(int32(StateConnected), int32(StateClosing)) ||
		c.state.CompareAndSwap(int32(StateSubscribed), int32(StateClosing))
	if !swapped {
		c.ForceClose()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseWaitTimeout)
	defer cancel()
	_, err := c.execute(ctx, protocol.Close())
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Debug("conn_close_wait", "error", err)
	}
	c.teardown(StateClosed, nil)
	return nil
}

// ForceClose tears the connection down immediately.
func (c *Conn) ForceClose() {
	c.teardown(StateClosed, nil)
}

// teardown closes the socket, stops both goroutines and fails every
// pending future. Idempotent; the first caller picks the final state.
func (c *Conn) teardown(final ConnState, cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(final))
		close(c.exitCh)
		if c.netConn != nil {
			_ = c.netConn.Close()
		}
		c.mu.Lock()
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, fut := range pending {
			fut.ch <- result{err: fmt.Errorf("%w: %s", ErrNotConnected, c.ID())}
		}
		if cause != nil {
			c.logger.Warn("conn_broken", "state", final.String(), "error", cause)
		} else {
			c.logger.Info("conn_closed", "state", final.String())
		}
	})
}

// Wait blocks until the reader and writer goroutines have exited.
func (c *Conn) Wait() { c.wg.Wait() }

func (c *Conn) writeCommand(cmd *protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCommandLocked(cmd)
}

func (c *Conn) writeCommandLocked(cmd *protocol.Command) error {
	if c.netConn == nil {
		return ErrNotConnected
	}
	_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := cmd.WriteTo(c.w); err != nil {
		metrics.IncError(metrics.ErrWrite)
		return fmt.Errorf("write %s: %w", cmd, err)
	}
	if c.flusher != nil {
		if err := c.flusher.Flush(); err != nil {
			metrics.IncError(metrics.ErrWrite)
			return fmt.Errorf("flush %s: %w", cmd, err)
		}
	}
	metrics.IncCommandSent()
	return nil
}

// writeLoop serializes fire-and-forget commands (RDY, FIN, REQ, TOUCH)
// from the command queue.
func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case cmd := <-c.cmdCh:
			if err := c.writeCommand(cmd); err != nil {
				c.teardown(StateReconnecting, err)
				return
			}
		case <-c.exitCh:
			return
		}
	}
}

// readLoop drains the socket through the (possibly decompressing)
// stream into the framed parser and dispatches every frame, starting
// with any frames already buffered during the handshake. The read
// deadline doubles as the heartbeat liveness check.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	if !c.dispatchAll() {
		return
	}
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-c.exitCh:
			return
		default:
		}
		_ = c.netConn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
		n, err := c.r.Read(buf)
		if n > 0 {
			c.parser.Feed(buf[:n])
			if !c.dispatchAll() {
				return
			}
		}
		if err != nil {
			c.handleReadError(err)
			return
		}
	}
}

func (c *Conn) handleReadError(err error) {
	select {
	case <-c.exitCh: // teardown already in progress
		return
	default:
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		metrics.IncError(metrics.ErrConnRead)
		c.teardown(StateReconnecting, fmt.Errorf("heartbeat timeout: %w", err))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		if c.State() == StateClosing {
			c.teardown(StateClosed, nil)
		} else {
			c.teardown(StateReconnecting, err)
		}
	default:
		metrics.IncError(metrics.ErrConnRead)
		c.teardown(StateReconnecting, err)
	}
}

// dispatchAll drains complete frames from the parser. Returns false
// when the connection died on a protocol violation.
func (c *Conn) dispatchAll() bool {
	for {
		fr, err := c.parser.Next()
		if err != nil {
			metrics.IncMalformed()
			metrics.IncError(metrics.ErrProtocol)
			c.teardown(StateReconnecting, err)
			return false
		}
		if fr == nil {
			return true
		}
		if !c.dispatch(fr) {
			return false
		}
	}
}

func (c *Conn) dispatch(fr protocol.Frame) bool {
	switch f := fr.(type) {
	case *protocol.Response:
		if f.IsHeartbeat() {
			// Replied by the reader itself so a full command queue can
			// never starve the server of NOPs.
			metrics.IncHeartbeat()
			if err := c.writeCommand(protocol.Nop()); err != nil {
				c.teardown(StateReconnecting, err)
				return false
			}
			return true
		}
		c.resolvePending(result{frame: f})
	case *protocol.ErrorFrame:
		metrics.IncError(metrics.ErrServer)
		c.resolvePending(result{frame: f})
		if f.Fatal() {
			c.teardown(StateReconnecting, f)
			return false
		}
	case *protocol.Message:
		c.rdyCount.Add(-1)
		c.lastMsgAt.Store(time.Now().UnixNano())
		metrics.IncMessageReceived()
		msg := &Message{
			ID:          f.ID,
			Body:        f.Body,
			Timestamp:   f.Time(),
			Attempts:    f.Attempts,
			NSQDAddress: c.addr,
			conn:        c,
		}
		if c.delivery != nil {
			select {
			case c.delivery <- msg:
			case <-c.exitCh:
				return false
			}
		}
		if c.onMessage != nil {
			c.onMessage(c.ID())
		}
	}
	return true
}

// resolvePending hands a RESPONSE or ERROR frame to the oldest pending
// command. A frame whose command already timed out is discarded. With
// no pending command at all, an ERROR frame is logged as a
// connection-level error and a RESPONSE frame is dropped.
func (c *Conn) resolvePending(res result) {
	c.mu.Lock()
	var fut *future
	if len(c.pending) > 0 {
		fut = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()
	if fut == nil {
		if ef, ok := res.frame.(*protocol.ErrorFrame); ok {
			c.logger.Warn("conn_unattached_error", "code", ef.Code, "desc", string(ef.Desc))
		} else {
			c.logger.Debug("conn_unattached_response")
		}
		return
	}
	if fut.expired.Load() {
		return
	}
	fut.ch <- res
}
