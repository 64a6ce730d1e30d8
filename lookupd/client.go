// Package lookupd is a minimal client for the nsqlookupd HTTP API. It
// answers one question for the consumer: which nsqd producers currently
// serve a topic.
package lookupd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/list-family/gonsq/internal/logging"
)

// Sentinel errors classified from HTTP status codes. ErrServerError is
// retriable; the rest are domain errors.
var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrBadRequest    = errors.New("bad request")
	ErrServerError   = errors.New("lookupd server error")
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// Producer describes one nsqd known to lookupd.
type Producer struct {
	BroadcastAddress string `json:"broadcast_address"`
	Hostname         string `json:"hostname"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Version          string `json:"version"`
}

// TCPAddr returns the host:port to dial for the nsqd TCP protocol.
func (p Producer) TCPAddr() string {
	return net.JoinHostPort(p.BroadcastAddress, strconv.Itoa(p.TCPPort))
}

// Client talks to a single nsqlookupd instance.
type Client struct {
	base   string
	hc     *http.Client
	logger *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the lookupd at addr ("host:port").
func New(addr string, opts ...Option) *Client {
	c := &Client{
		base: "http://" + addr,
		hc: &http.Client{
			Timeout: defaultRequestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: defaultDialTimeout}).DialContext,
			},
		},
		logger: logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Addr returns the base URL of the lookupd ("http://" plus the address
// the client was built with).
func (c *Client) Addr() string { return c.base }

// lookupd <1.0 wraps payloads in {status_code, status_txt, data};
// newer versions return the payload directly. Decode both.
type producersEnvelope struct {
	Producers []Producer `json:"producers"`
	Data      *struct {
		Producers []Producer `json:"producers"`
	} `json:"data"`
}

func (e *producersEnvelope) producers() []Producer {
	if len(e.Producers) == 0 && e.Data != nil {
		return e.Data.Producers
	}
	return e.Producers
}

// Lookup returns the producers currently registered for topic.
func (c *Client) Lookup(ctx context.Context, topic string) ([]Producer, error) {
	u := c.base + "/lookup?topic=" + url.QueryEscape(topic)
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	var env producersEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("lookupd response: %w", err)
	}
	return env.producers(), nil
}

// Nodes returns every nsqd known to this lookupd.
func (c *Client) Nodes(ctx context.Context) ([]Producer, error) {
	body, err := c.get(ctx, c.base+"/nodes")
	if err != nil {
		return nil, err
	}
	var env producersEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("lookupd response: %w", err)
	}
	return env.producers(), nil
}

// Ping checks lookupd liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, c.base+"/ping")
	return err
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerError, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerError, err)
	}
	if err := statusErr(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// statusErr maps an HTTP status to the error taxonomy: 404 is a missing
// topic, other 4xx are caller mistakes, 5xx are retriable.
func statusErr(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%w (404): %s", ErrTopicNotFound, body)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w (%d): %s", ErrBadRequest, code, body)
	default:
		return fmt.Errorf("%w (%d): %s", ErrServerError, code, body)
	}
}
