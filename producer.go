package gonsq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/list-family/gonsq/internal/metrics"
	"github.com/list-family/gonsq/protocol"
)

// Producer publishes to one nsqd over a lazily-dialed connection. A
// transport failure drops the connection; the next publish redials.
// Safe for concurrent use.
type Producer struct {
	addr   string
	cfg    *Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *Conn

	stopped atomic.Bool
}

// NewProducer validates cfg and builds a producer for the nsqd at addr.
func NewProducer(addr string, cfg *Config) (*Producer, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("producer config: %w", err)
	}
	return &Producer{
		addr:   addr,
		cfg:    cfg,
		logger: cfg.logger().With("nsqd", addr),
	}, nil
}

// Publish sends one message to topic and waits for the broker
// acknowledgement.
func (p *Producer) Publish(ctx context.Context, topic string, body []byte) error {
	return p.publish(ctx, protocol.Publish(topic, body))
}

// MultiPublish atomically sends a batch of messages to topic.
func (p *Producer) MultiPublish(ctx context.Context, topic string, bodies [][]byte) error {
	return p.publish(ctx, protocol.MultiPublish(topic, bodies))
}

// DeferredPublish sends one message to be delivered after delay.
func (p *Producer) DeferredPublish(ctx context.Context, topic string, delay time.Duration, body []byte) error {
	return p.publish(ctx, protocol.DeferredPublish(topic, delay, body))
}

// Ping ensures the producer holds a usable connection, dialing if
// needed.
func (p *Producer) Ping(ctx context.Context) error {
	_, err := p.getConn(ctx)
	return err
}

// Stop closes the producer's connection. Publishing after Stop fails.
func (p *Producer) Stop() {
	p.stopped.Store(true)
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
		conn.Wait()
	}
}

func (p *Producer) publish(ctx context.Context, cmd *protocol.Command) error {
	conn, err := p.getConn(ctx)
	if err != nil {
		return err
	}
	fr, err := conn.Execute(ctx, cmd)
	if err != nil {
		metrics.IncError(metrics.ErrPublish)
		var ef *protocol.ErrorFrame
		if errors.As(err, &ef) && !ef.Fatal() {
			// Publish-level failure; the connection stays usable.
			return fmt.Errorf("%s: %w", cmd, err)
		}
		p.dropConn(conn)
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if resp, ok := fr.(*protocol.Response); !ok || !resp.IsOK() {
		metrics.IncError(metrics.ErrPublish)
		return fmt.Errorf("%w: unexpected publish response", protocol.ErrProtocol)
	}
	return nil
}

func (p *Producer) getConn(ctx context.Context) (*Conn, error) {
	if p.stopped.Load() {
		return nil, ErrStopped
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.conn.State().Usable() {
		return p.conn, nil
	}
	conn := NewConn(p.addr, p.cfg, WithConnLogger(p.logger))
	if _, err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// dropConn discards a broken connection so the next publish redials.
func (p *Producer) dropConn(conn *Conn) {
	conn.ForceClose()
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
}
