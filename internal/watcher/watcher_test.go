package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oppwatch/oppwatch/internal/bus"
	"github.com/oppwatch/oppwatch/internal/classify"
	"github.com/oppwatch/oppwatch/internal/store"
)

type fakePage struct {
	mu  sync.Mutex
	url string
}

func (p *fakePage) CurrentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) set(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (l *eventLog) add(ev *bus.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []*bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*bus.Event(nil), l.events...)
}

func (l *eventLog) waitFor(t *testing.T, n int) []*bus.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := l.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(l.snapshot()))
	return nil
}

func newTestWatcher(t *testing.T, page *fakePage, tick, debounce time.Duration) (*Watcher, *bus.Bus, *store.Store, *eventLog) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	log := &eventLog{}
	b.Subscribe(log.add)

	w := New(42, page, classify.New(""), st, b, tick, debounce)
	return w, b, st, log
}

func TestOnLoadDetection(t *testing.T) {
	page := &fakePage{url: "https://contoso.crm.dynamics.com/main.aspx?id=A"}
	w, b, st, log := newTestWatcher(t, page, time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Dispatch(ctx)
	go w.Run(ctx)

	evs := log.waitFor(t, 1)
	if evs[0].Type != bus.EventOpportunityDetected || evs[0].OpportunityID != "A" {
		t.Fatalf("unexpected event %+v", evs[0])
	}
	if evs[0].OrganizationID != "contoso" {
		t.Fatalf("org id not attached: %+v", evs[0])
	}

	det, ok, err := st.Detection()
	if err != nil || !ok || det.OpportunityID != "A" {
		t.Fatalf("store not updated: %+v ok=%v err=%v", det, ok, err)
	}
}

func TestIdenticalIDNeverRebroadcasts(t *testing.T) {
	page := &fakePage{url: "https://contoso.crm.dynamics.com/main.aspx?id=A"}
	w, b, _, log := newTestWatcher(t, page, 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Dispatch(ctx)
	go w.Run(ctx)

	log.waitFor(t, 1)
	// Many ticks with the same id must not produce a second broadcast.
	time.Sleep(150 * time.Millisecond)
	if evs := log.snapshot(); len(evs) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(evs))
	}
}

func TestTransitionAndClear(t *testing.T) {
	page := &fakePage{url: "https://contoso.crm.dynamics.com/main.aspx?id=A"}
	w, b, st, log := newTestWatcher(t, page, 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Dispatch(ctx)
	go w.Run(ctx)

	log.waitFor(t, 1)

	page.set("https://contoso.crm.dynamics.com/main.aspx?id=B")
	evs := log.waitFor(t, 2)
	if evs[1].Type != bus.EventOpportunityDetected || evs[1].OpportunityID != "B" {
		t.Fatalf("expected detection of B, got %+v", evs[1])
	}
	if det, _, _ := st.Detection(); det.OpportunityID != "B" {
		t.Fatalf("store holds %q, want B", det.OpportunityID)
	}

	page.set("https://example.com/")
	evs = log.waitFor(t, 3)
	if evs[2].Type != bus.EventOpportunityCleared {
		t.Fatalf("expected cleared event, got %+v", evs[2])
	}
	if _, ok, _ := st.Detection(); ok {
		t.Fatal("store detection not cleared")
	}
}

func TestNotifyDebounceTriggersCheck(t *testing.T) {
	page := &fakePage{url: "https://example.com/"}
	w, b, _, log := newTestWatcher(t, page, time.Hour, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Dispatch(ctx)
	go w.Run(ctx)

	time.Sleep(20 * time.Millisecond) // past the on-load check

	page.set("https://contoso.crm.dynamics.com/opportunities/XYZ")
	w.Notify()
	w.Notify() // coalesced

	evs := log.waitFor(t, 1)
	if evs[0].OpportunityID != "XYZ" {
		t.Fatalf("debounced check did not detect: %+v", evs[0])
	}
}

func TestCheckRequestRepliesSynchronously(t *testing.T) {
	page := &fakePage{url: "https://contoso.crm.dynamics.com/main.aspx?id=A"}
	w, b, _, _ := newTestWatcher(t, page, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Wait for the watcher to bind its address.
	deadline := time.Now().Add(time.Second)
	for !b.Bound(Address(42)) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	reply, err := b.Check(ctx, Address(42), time.Second)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if reply.OpportunityID != "A" || reply.OrganizationID != "contoso" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	// The reply must reflect the page as it is now, not the last tick.
	page.set("https://contoso.crm.dynamics.com/main.aspx?id=B")
	reply, err = b.Check(ctx, Address(42), time.Second)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if reply.OpportunityID != "B" {
		t.Fatalf("stale reply %+v", reply)
	}
}

func TestUnbindOnStop(t *testing.T) {
	page := &fakePage{url: "https://example.com/"}
	w, b, _, _ := newTestWatcher(t, page, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !b.Bound(Address(42)) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if b.Bound(Address(42)) {
		t.Fatal("watcher left its address bound after stop")
	}
}

func TestBroadcastWithNoListenerIsHarmless(t *testing.T) {
	page := &fakePage{url: "https://contoso.crm.dynamics.com/main.aspx?id=A"}
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	b := bus.New() // no subscribers, no dispatcher
	w := New(1, page, classify.New(""), st, b, 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopped atomic.Bool
	go func() {
		w.Run(ctx)
		stopped.Store(true)
	}()

	time.Sleep(50 * time.Millisecond)
	if stopped.Load() {
		t.Fatal("watcher died broadcasting into the void")
	}
	if det, ok, _ := st.Detection(); !ok || det.OpportunityID != "A" {
		t.Fatal("store write should happen regardless of listeners")
	}
}
