package gonsq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/list-family/gonsq/internal/metrics"
	"github.com/list-family/gonsq/lookupd"
)

const supervisorInterval = time.Second

// Consumer owns the set of connections serving one (topic, channel):
// it discovers nsqds through lookupd, reconnects lost peers, and
// exposes the merged message stream.
type Consumer struct {
	cfg    *Config
	logger *slog.Logger

	topic   string
	channel string

	mu      sync.RWMutex
	conns   map[string]*Conn    // conn.ID() -> conn
	desired map[string]struct{} // nsqd addrs that should have a connection

	incoming chan *Message
	rdy      *RdyControl

	lookupds []*lookupd.Client
	randIntn func(n int) int

	// reconnect bookkeeping, touched only by the supervisor goroutine
	backoffs    map[string]backoff.BackOff
	nextAttempt map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	connected  atomic.Bool
	subscribed atomic.Bool
	stopped    atomic.Bool
	stopOnce   sync.Once
}

// NewConsumer validates cfg and builds an unconnected consumer.
func NewConsumer(cfg *Config) (*Consumer, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("consumer config: %w", err)
	}
	c := &Consumer{
		cfg:         cfg,
		logger:      cfg.logger(),
		conns:       make(map[string]*Conn),
		desired:     make(map[string]struct{}),
		incoming:    make(chan *Message, cfg.MaxInFlight*2),
		randIntn:    rand.Intn,
		backoffs:    make(map[string]backoff.BackOff),
		nextAttempt: make(map[string]time.Time),
	}
	c.rdy = NewRdyControl(int64(cfg.MaxInFlight), cfg.IdleTimeout, cfg.RedistributeInterval, c.logger)
	for _, addr := range cfg.LookupdHTTPAddresses {
		c.lookupds = append(c.lookupds, lookupd.New(addr, lookupd.WithLogger(c.logger)))
	}
	return c, nil
}

// Connect starts the controller and supervisor and, in static mode,
// dials every configured nsqd. Lookupd addresses take priority: when
// they are set the static list is ignored and discovery begins at
// Subscribe time, because lookupd needs a topic to answer.
func (c *Consumer) Connect(ctx context.Context) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if c.connected.Swap(true) {
		return ErrAlreadyConnected
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.group, _ = errgroup.WithContext(c.ctx)
	c.rdy.Start()

	if len(c.lookupds) == 0 {
		for _, addr := range c.cfg.NSQDTCPAddresses {
			c.markDesired(addr)
			if err := c.connectTo(ctx, addr); err != nil {
				// The supervisor keeps retrying desired addresses.
				c.logger.Warn("conn_initial_dial_failed", "nsqd", addr, "error", err)
			}
		}
	}

	c.group.Go(c.supervise)
	c.logger.Info("consumer_connected", "static", len(c.cfg.NSQDTCPAddresses),
		"lookupd", len(c.lookupds))
	return nil
}

// Subscribe binds the consumer to a topic and channel, subscribes
// every live connection, and starts lookupd polling when discovery is
// configured.
func (c *Consumer) Subscribe(ctx context.Context, topic, channel string) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if c.subscribed.Swap(true) {
		return ErrAlreadySubscribed
	}
	c.topic = topic
	c.channel = channel

	for _, conn := range c.snapshot() {
		if err := conn.Subscribe(ctx, topic, channel); err != nil {
			c.logger.Warn("conn_subscribe_failed", "conn", conn.ID(), "error", err)
			conn.ForceClose()
			continue
		}
		c.rdy.AddConn(conn)
	}

	if len(c.lookupds) > 0 {
		c.pollLookupd(ctx)
		c.group.Go(c.lookupdLoop)
	}
	return nil
}

// Messages is the consumer's delivery stream. The channel is closed by
// Stop after every connection has drained.
func (c *Consumer) Messages() <-chan *Message {
	return c.incoming
}

// IsStarved reports whether any connection is close to exhausting its
// RDY credit.
func (c *Consumer) IsStarved() bool { return c.rdy.IsStarved() }

// Connections returns a snapshot of the current live connections.
func (c *Consumer) Connections() []*Conn { return c.snapshot() }

// Stop shuts the consumer down: CLS on every connection, a bounded
// grace for in-flight drain, then force-close. Safe to call once the
// application stops reading Messages.
func (c *Consumer) Stop() error {
	var result error
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.subscribed.Store(false)
		if !c.connected.Load() {
			return
		}
		c.cancel()

		conns := c.snapshot()
		var wg sync.WaitGroup
		for _, conn := range conns {
			wg.Add(1)
			go func(conn *Conn) {
				defer wg.Done()
				_ = conn.Close()
			}(conn)
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(c.cfg.DrainTimeout):
			c.logger.Warn("consumer_drain_timeout", "grace", c.cfg.DrainTimeout)
			for _, conn := range conns {
				conn.ForceClose()
			}
		}
		for _, conn := range conns {
			conn.Wait()
		}
		c.rdy.Stop()
		if err := c.group.Wait(); err != nil {
			result = multierror.Append(result, err)
		}
		close(c.incoming)
		metrics.SetActiveConns(0)
		c.logger.Info("consumer_stopped")
	})
	return result
}

func (c *Consumer) snapshot() []*Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conns := make([]*Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (c *Consumer) markDesired(addr string) {
	c.mu.Lock()
	c.desired[addr] = struct{}{}
	c.mu.Unlock()
}

// connectTo dials one nsqd, wires it to the shared queue and the RDY
// controller, and subscribes it when the consumer already is.
func (c *Consumer) connectTo(ctx context.Context, addr string) error {
	conn := NewConn(addr, c.cfg,
		WithDelivery(c.incoming),
		WithMessageCallback(c.rdy.MessageReceived),
		WithConnLogger(c.logger),
	)
	if _, err := conn.Connect(ctx); err != nil {
		return err
	}
	if c.subscribed.Load() {
		if err := conn.Subscribe(ctx, c.topic, c.channel); err != nil {
			conn.ForceClose()
			return err
		}
		c.rdy.AddConn(conn)
	}
	c.mu.Lock()
	if _, exists := c.conns[conn.ID()]; exists {
		// Discovery and the supervisor raced to the same address.
		c.mu.Unlock()
		conn.ForceClose()
		return nil
	}
	c.conns[conn.ID()] = conn
	n := len(c.conns)
	c.mu.Unlock()
	metrics.SetActiveConns(n)
	return nil
}

// lookupdLoop polls a random lookupd on a jittered interval so a fleet
// of consumers does not stampede discovery.
func (c *Consumer) lookupdLoop() error {
	for {
		d := jitter(c.cfg.LookupdPollInterval, 0.1)
		select {
		case <-time.After(d):
			c.pollLookupd(c.ctx)
		case <-c.ctx.Done():
			return nil
		}
	}
}

// pollLookupd discovers producers for the topic and opens connections
// to new ones. Producers that vanish from lookupd keep their
// connection — they may only be transiently unhealthy; TCP errors are
// the sole close trigger.
func (c *Consumer) pollLookupd(ctx context.Context) {
	if len(c.lookupds) == 0 {
		return
	}
	cl := c.lookupds[c.randIntn(len(c.lookupds))]
	metrics.IncLookupdPoll()
	producers, err := cl.Lookup(ctx, c.topic)
	if err != nil {
		metrics.IncError(metrics.ErrLookupd)
		c.logger.Warn("lookupd_poll_error", "lookupd", cl.Addr(), "error", err)
		return
	}
	c.logger.Debug("lookupd_poll", "lookupd", cl.Addr(), "producers", len(producers))
	for _, p := range producers {
		addr := p.TCPAddr()
		if c.hasConn(addr) {
			continue
		}
		c.markDesired(addr)
		if err := c.connectTo(ctx, addr); err != nil {
			c.logger.Warn("conn_discovery_dial_failed", "nsqd", addr, "error", err)
		}
	}
}

func (c *Consumer) hasConn(addr string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.conns["tcp://"+addr]
	return ok
}

// supervise is the reconnect supervisor: it sweeps broken connections
// out of the set and re-dials desired addresses with truncated
// exponential backoff.
func (c *Consumer) supervise() error {
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reconnectPass(c.ctx)
		case <-c.ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) reconnectPass(ctx context.Context) {
	if c.stopped.Load() {
		return
	}
	c.mu.Lock()
	for id, conn := range c.conns {
		switch conn.State() {
		case StateClosed, StateReconnecting:
			delete(c.conns, id)
			c.rdy.RemoveConn(id)
		}
	}
	candidates := make([]string, 0)
	for addr := range c.desired {
		if _, ok := c.conns["tcp://"+addr]; !ok {
			candidates = append(candidates, addr)
		}
	}
	n := len(c.conns)
	c.mu.Unlock()
	metrics.SetActiveConns(n)

	now := time.Now()
	for _, addr := range candidates {
		if next, ok := c.nextAttempt[addr]; ok && now.Before(next) {
			continue
		}
		if err := c.connectTo(ctx, addr); err != nil {
			b := c.backoffs[addr]
			if b == nil {
				b = newReconnectBackoff()
				c.backoffs[addr] = b
			}
			wait := b.NextBackOff()
			c.nextAttempt[addr] = now.Add(wait)
			c.logger.Warn("conn_reconnect_failed", "nsqd", addr, "retry_in", wait, "error", err)
			continue
		}
		delete(c.backoffs, addr)
		delete(c.nextAttempt, addr)
		metrics.IncReconnect()
		c.logger.Info("conn_reconnected", "nsqd", addr)
	}
}

// newReconnectBackoff: 100ms doubling to a 10s cap with ±20% jitter,
// never giving up.
func newReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// jitter spreads d by ±frac.
func jitter(d time.Duration, frac float64) time.Duration {
	delta := float64(d) * frac
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}
