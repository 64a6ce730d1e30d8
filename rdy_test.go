package gonsq

import (
	"fmt"
	"testing"
	"time"
)

type fakeRdyConn struct {
	id      string
	state   ConnState
	rdy     int64
	lastRdy int64
	maxRdy  int64
	lastMsg time.Time
	sent    []int64
}

func newFakeRdyConn(id string) *fakeRdyConn {
	return &fakeRdyConn{id: id, state: StateSubscribed, maxRdy: 2500, lastMsg: time.Now()}
}

func (f *fakeRdyConn) ID() string                 { return "tcp://" + f.id }
func (f *fakeRdyConn) State() ConnState           { return f.state }
func (f *fakeRdyConn) RdyCount() int64            { return f.rdy }
func (f *fakeRdyConn) LastRDY() int64             { return f.lastRdy }
func (f *fakeRdyConn) MaxRDY() int64              { return f.maxRdy }
func (f *fakeRdyConn) LastMessageTime() time.Time { return f.lastMsg }

func (f *fakeRdyConn) SendRDY(count int64) error {
	f.sent = append(f.sent, count)
	f.lastRdy = count
	f.rdy = count
	return nil
}

// newTestRdy builds a controller whose events are handled synchronously
// by the test (the loop goroutine is never started) with deterministic
// "randomness".
func newTestRdy(maxInFlight int64) *RdyControl {
	rc := NewRdyControl(maxInFlight, 10*time.Second, time.Second, testConfig().logger())
	rc.randIntn = func(n int) int { return 0 }
	return rc
}

func (rc *RdyControl) addSync(conn rdyConn)  { rc.handle(rdyEvent{kind: rdyEventAdd, conn: conn}) }
func (rc *RdyControl) removeSync(id string)  { rc.handle(rdyEvent{kind: rdyEventRemove, id: id}) }
func (rc *RdyControl) tickSync()             { rc.handle(rdyEvent{kind: rdyEventTick}) }
func (rc *RdyControl) messageSync(id string) { rc.handle(rdyEvent{kind: rdyEventMessage, id: id}) }

func sumLastRdy(conns []*fakeRdyConn) int64 {
	var sum int64
	for _, c := range conns {
		sum += c.lastRdy
	}
	return sum
}

func TestRdy_FairDistribution(t *testing.T) {
	rc := newTestRdy(10)
	conns := []*fakeRdyConn{newFakeRdyConn("a:1"), newFakeRdyConn("b:1"), newFakeRdyConn("c:1")}
	for _, c := range conns {
		rc.addSync(c)
	}
	// 10 across 3: first conn (by id) gets the remainder.
	if conns[0].lastRdy != 4 || conns[1].lastRdy != 3 || conns[2].lastRdy != 3 {
		t.Fatalf("grants = %d,%d,%d", conns[0].lastRdy, conns[1].lastRdy, conns[2].lastRdy)
	}
	if sumLastRdy(conns) != 10 {
		t.Fatalf("sum = %d, want 10", sumLastRdy(conns))
	}
}

func TestRdy_FairClampsToServerMax(t *testing.T) {
	rc := newTestRdy(100)
	a := newFakeRdyConn("a:1")
	a.maxRdy = 7
	b := newFakeRdyConn("b:1")
	b.maxRdy = 7
	rc.addSync(a)
	rc.addSync(b)
	if a.lastRdy != 7 || b.lastRdy != 7 {
		t.Fatalf("grants = %d,%d, want 7,7", a.lastRdy, b.lastRdy)
	}
}

func TestRdy_FairRebalanceOnRemove(t *testing.T) {
	rc := newTestRdy(9)
	conns := []*fakeRdyConn{newFakeRdyConn("a:1"), newFakeRdyConn("b:1"), newFakeRdyConn("c:1")}
	for _, c := range conns {
		rc.addSync(c)
	}
	rc.removeSync(conns[2].ID())
	if conns[0].lastRdy != 5 || conns[1].lastRdy != 4 {
		t.Fatalf("grants after remove = %d,%d", conns[0].lastRdy, conns[1].lastRdy)
	}
}

func TestRdy_ScarceExactlyBudgetHolders(t *testing.T) {
	rc := newTestRdy(2)
	conns := make([]*fakeRdyConn, 0, 5)
	for i := 0; i < 5; i++ {
		c := newFakeRdyConn(fmt.Sprintf("n%d:1", i))
		conns = append(conns, c)
		rc.addSync(c)
	}
	var holders int
	for _, c := range conns {
		switch c.lastRdy {
		case 0:
		case 1:
			holders++
		default:
			t.Fatalf("scarce grant %d on %s", c.lastRdy, c.id)
		}
	}
	if holders != 2 {
		t.Fatalf("holders = %d, want 2", holders)
	}
	if sumLastRdy(conns) != 2 {
		t.Fatalf("sum = %d, want 2", sumLastRdy(conns))
	}
}

func TestRdy_ScarceIdleRotation(t *testing.T) {
	rc := NewRdyControl(1, 100*time.Millisecond, time.Second, testConfig().logger())
	rc.randIntn = func(n int) int { return 0 }

	idle := newFakeRdyConn("idle:1")
	fresh := newFakeRdyConn("waiting:1")
	rc.addSync(idle)
	rc.addSync(fresh)
	// One of the two holds the single credit.
	if sumLastRdy([]*fakeRdyConn{idle, fresh}) != 1 {
		t.Fatalf("sum = %d, want 1", sumLastRdy([]*fakeRdyConn{idle, fresh}))
	}
	holder, waiter := idle, fresh
	if fresh.lastRdy == 1 {
		holder, waiter = fresh, idle
	}

	holder.lastMsg = time.Now().Add(-time.Minute) // long idle
	rc.tickSync()

	if holder.lastRdy != 0 {
		t.Fatalf("idle holder kept RDY %d", holder.lastRdy)
	}
	if waiter.lastRdy != 1 {
		t.Fatalf("waiting conn got RDY %d, want 1", waiter.lastRdy)
	}
}

func TestRdy_ScarceClampsFairGrants(t *testing.T) {
	rc := newTestRdy(2)
	a := newFakeRdyConn("a:1")
	b := newFakeRdyConn("b:1")
	rc.addSync(a)
	rc.addSync(b) // fair: 1,1
	c := newFakeRdyConn("c:1")
	a.lastRdy, a.rdy = 5, 5 // pretend a stale fair grant survived
	rc.addSync(c)           // now scarce: 3 conns, budget 2
	if sumLastRdy([]*fakeRdyConn{a, b, c}) > 2 {
		t.Fatalf("sum = %d, want <= 2", sumLastRdy([]*fakeRdyConn{a, b, c}))
	}
	if a.lastRdy > 1 {
		t.Fatalf("scarce mode left a at RDY %d", a.lastRdy)
	}
}

func TestRdy_BudgetInvariantAcrossChurn(t *testing.T) {
	const budget = 3
	rc := newTestRdy(budget)
	conns := make([]*fakeRdyConn, 0, 6)
	check := func(step string) {
		if sum := sumLastRdy(conns); sum > budget {
			t.Fatalf("%s: sum of grants %d exceeds budget %d", step, sum, budget)
		}
	}
	for i := 0; i < 6; i++ {
		c := newFakeRdyConn(fmt.Sprintf("n%d:1", i))
		conns = append(conns, c)
		rc.addSync(c)
		check(fmt.Sprintf("add %d", i))
	}
	rc.tickSync()
	check("tick")
	rc.removeSync(conns[0].ID())
	rc.removeSync(conns[1].ID())
	conns = conns[2:]
	check("removals")
	rc.tickSync()
	check("final tick")
}

func TestRdy_TopUpRefreshesStarvedConn(t *testing.T) {
	rc := newTestRdy(10)
	a := newFakeRdyConn("a:1")
	rc.addSync(a) // grant 10
	a.rdy = 2     // 2 <= 10/4: starved
	rc.messageSync(a.ID())
	if got := a.sent[len(a.sent)-1]; got != 10 {
		t.Fatalf("top-up sent RDY %d, want 10", got)
	}
	if a.rdy != 10 {
		t.Fatalf("rdy after top-up = %d", a.rdy)
	}
}

func TestRdy_NoTopUpWhenHealthy(t *testing.T) {
	rc := newTestRdy(10)
	a := newFakeRdyConn("a:1")
	rc.addSync(a)
	sends := len(a.sent)
	a.rdy = 6 // above the starvation threshold
	rc.messageSync(a.ID())
	if len(a.sent) != sends {
		t.Fatalf("unexpected RDY refresh: %v", a.sent)
	}
}

func TestRdy_IsStarved(t *testing.T) {
	rc := newTestRdy(8)
	a := newFakeRdyConn("a:1")
	b := newFakeRdyConn("b:1")
	rc.addSync(a)
	rc.addSync(b) // 4 each
	if rc.IsStarved() {
		t.Fatal("fresh grants must not be starved")
	}
	a.rdy = 1
	if !rc.IsStarved() {
		t.Fatal("1/4 remaining credit should report starved")
	}
}
