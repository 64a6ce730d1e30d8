package gonsq

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/list-family/gonsq/internal/metrics"
)

// rdyConn is the view of a connection the RDY controller works with.
// *Conn implements it; tests substitute fakes.
type rdyConn interface {
	ID() string
	State() ConnState
	RdyCount() int64
	LastRDY() int64
	MaxRDY() int64
	LastMessageTime() time.Time
	SendRDY(count int64) error
}

var _ rdyConn = (*Conn)(nil)

type rdyEventKind int

const (
	rdyEventMessage rdyEventKind = iota
	rdyEventAdd
	rdyEventRemove
	rdyEventTick
)

type rdyEvent struct {
	kind rdyEventKind
	id   string
	conn rdyConn
}

// RdyControl distributes the consumer's max-in-flight budget across
// live connections and keeps the server-side RDY counts in sync.
//
// All bookkeeping happens on the controller's own goroutine, fed by an
// event channel: connections report received messages, the consumer
// reports membership changes, and a timer injects redistribution
// ticks. The connections map is additionally read-locked so IsStarved
// can aggregate from the application's goroutine.
type RdyControl struct {
	maxInFlight int64
	idleTimeout time.Duration
	interval    time.Duration
	logger      *slog.Logger

	events chan rdyEvent

	mu    sync.RWMutex
	conns map[string]rdyConn

	randIntn func(n int) int // swapped in tests for determinism

	exitCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRdyControl creates a controller for the given global budget.
func NewRdyControl(maxInFlight int64, idleTimeout, interval time.Duration, logger *slog.Logger) *RdyControl {
	if logger == nil {
		logger = defaultLogger()
	}
	return &RdyControl{
		maxInFlight: maxInFlight,
		idleTimeout: idleTimeout,
		interval:    interval,
		logger:      logger,
		events:      make(chan rdyEvent, 1024),
		conns:       make(map[string]rdyConn),
		randIntn:    rand.Intn,
		exitCh:      make(chan struct{}),
	}
}

// Start launches the controller goroutine and the redistribute timer.
func (rc *RdyControl) Start() {
	rc.wg.Add(1)
	go rc.loop()
}

// Stop terminates the controller goroutine.
func (rc *RdyControl) Stop() {
	rc.closeOnce.Do(func() { close(rc.exitCh) })
	rc.wg.Wait()
}

// AddConn registers a connection and triggers a distribution pass.
func (rc *RdyControl) AddConn(conn rdyConn) {
	rc.enqueue(rdyEvent{kind: rdyEventAdd, conn: conn})
}

// RemoveConn drops a connection and redistributes its credit.
func (rc *RdyControl) RemoveConn(id string) {
	rc.enqueue(rdyEvent{kind: rdyEventRemove, id: id})
}

// MessageReceived is the per-message event sink wired into every
// connection reader.
func (rc *RdyControl) MessageReceived(id string) {
	rc.enqueue(rdyEvent{kind: rdyEventMessage, id: id})
}

func (rc *RdyControl) enqueue(ev rdyEvent) {
	select {
	case rc.events <- ev:
	case <-rc.exitCh:
	}
}

// IsStarved reports whether any live connection has consumed three
// quarters or more of its granted credit. Applications can use it to
// pace their own work.
func (rc *RdyControl) IsStarved() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	for _, conn := range rc.conns {
		last := conn.LastRDY()
		if last > 0 && conn.RdyCount()*4 <= last {
			return true
		}
	}
	return false
}

func (rc *RdyControl) loop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-rc.events:
			rc.handle(ev)
		case <-ticker.C:
			rc.handle(rdyEvent{kind: rdyEventTick})
		case <-rc.exitCh:
			return
		}
	}
}

func (rc *RdyControl) handle(ev rdyEvent) {
	switch ev.kind {
	case rdyEventAdd:
		rc.mu.Lock()
		rc.conns[ev.conn.ID()] = ev.conn
		rc.mu.Unlock()
		rc.distribute()
	case rdyEventRemove:
		rc.mu.Lock()
		delete(rc.conns, ev.id)
		rc.mu.Unlock()
		rc.distribute()
	case rdyEventMessage:
		rc.topUp(ev.id)
	case rdyEventTick:
		metrics.IncRdyRedistribute()
		rc.distribute()
	}
}

// topUp refreshes the server-side count of a starved connection so
// lost or duplicated deliveries cannot drift the credit away.
func (rc *RdyControl) topUp(id string) {
	rc.mu.RLock()
	conn := rc.conns[id]
	rc.mu.RUnlock()
	if conn == nil {
		return
	}
	last := conn.LastRDY()
	if last > 0 && conn.RdyCount()*4 <= last {
		if err := conn.SendRDY(last); err != nil {
			rc.logger.Debug("rdy_topup_failed", "conn", id, "error", err)
		}
	}
}

// live returns the usable connections in a stable order.
func (rc *RdyControl) live() []rdyConn {
	rc.mu.RLock()
	conns := make([]rdyConn, 0, len(rc.conns))
	for _, conn := range rc.conns {
		if conn.State().Usable() {
			conns = append(conns, conn)
		}
	}
	rc.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// distribute reassigns the global budget. With budget >= connections
// each gets an even share (the first budget%N one extra); otherwise
// exactly budget connections hold RDY 1 and idle holders are rotated
// out. Revocation always precedes award so the sum of grants never
// exceeds the budget.
func (rc *RdyControl) distribute() {
	conns := rc.live()
	n := int64(len(conns))
	if n == 0 {
		return
	}
	if n <= rc.maxInFlight {
		rc.distributeFair(conns)
	} else {
		rc.distributeScarce(conns)
	}

	starved := 0
	for _, conn := range conns {
		last := conn.LastRDY()
		if last > 0 && conn.RdyCount()*4 <= last {
			starved++
		}
	}
	metrics.SetStarvedConns(starved)
}

func (rc *RdyControl) distributeFair(conns []rdyConn) {
	n := int64(len(conns))
	per := rc.maxInFlight / n
	extra := rc.maxInFlight % n
	for i, conn := range conns {
		want := per
		if int64(i) < extra {
			want++
		}
		if want > conn.MaxRDY() {
			want = conn.MaxRDY()
		}
		if want != conn.LastRDY() {
			rc.sendRDY(conn, want)
		}
	}
}

func (rc *RdyControl) distributeScarce(conns []rdyConn) {
	now := time.Now()

	// Revoke first: idle holders lose their credit before anyone gains.
	var holders int64
	var zeroed, revoked []rdyConn
	for _, conn := range conns {
		last := conn.LastRDY()
		if last == 0 {
			zeroed = append(zeroed, conn)
			continue
		}
		if now.Sub(conn.LastMessageTime()) > rc.idleTimeout {
			rc.sendRDY(conn, 0)
			revoked = append(revoked, conn)
			continue
		}
		if last > 1 { // entering scarce mode from a fair grant
			rc.sendRDY(conn, 1)
		}
		holders++
	}

	// Budget shrink or mode switch can leave too many holders.
	for i := len(conns) - 1; holders > rc.maxInFlight && i >= 0; i-- {
		if conns[i].LastRDY() > 0 {
			rc.sendRDY(conns[i], 0)
			holders--
		}
	}

	// Award to connections that were already at zero; fall back to the
	// just-revoked only when nobody else is waiting.
	pool := zeroed
	for holders < rc.maxInFlight {
		if len(pool) == 0 {
			if len(revoked) == 0 {
				break
			}
			pool, revoked = revoked, nil
			continue
		}
		i := rc.randIntn(len(pool))
		rc.sendRDY(pool[i], 1)
		pool[i] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]
		holders++
	}
}

func (rc *RdyControl) sendRDY(conn rdyConn, count int64) {
	if err := conn.SendRDY(count); err != nil {
		rc.logger.Debug("rdy_send_failed", "conn", conn.ID(), "count", count, "error", err)
	}
}
