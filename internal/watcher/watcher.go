// Package watcher implements the per-tab page watcher: it continuously
// classifies the hosting page's URL and reports record transitions.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oppwatch/oppwatch/internal/bus"
	"github.com/oppwatch/oppwatch/internal/classify"
	"github.com/oppwatch/oppwatch/internal/store"
)

// PageReader exposes the hosting page's current URL. The bridge feeds it from
// the extension shim's URL updates.
type PageReader interface {
	CurrentURL() string
}

// Address returns the bus address a tab's watcher binds for check requests.
func Address(tabID int64) string {
	return fmt.Sprintf("tab:%d", tabID)
}

// Watcher tracks a single tab. It re-classifies on a fixed tick and on
// debounced change notifications, writes detection state to the store, and
// broadcasts transitions. It also answers CHECK_OPPORTUNITY_ID requests
// synchronously off the current URL, so the coordinator can poll on demand.
type Watcher struct {
	tabID    int64
	pages    PageReader
	cls      *classify.Classifier
	store    *store.Store
	bus      *bus.Bus
	tick     time.Duration
	debounce time.Duration

	notify chan struct{}

	mu       sync.Mutex
	tracking bool
	lastID   string
}

// New creates a watcher for a tab. Non-positive intervals fall back to the
// 1s tick / 500ms debounce policy.
func New(tabID int64, pages PageReader, cls *classify.Classifier, st *store.Store, b *bus.Bus, tick, debounce time.Duration) *Watcher {
	if tick <= 0 {
		tick = time.Second
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		tabID:    tabID,
		pages:    pages,
		cls:      cls,
		store:    st,
		bus:      b,
		tick:     tick,
		debounce: debounce,
		notify:   make(chan struct{}, 1),
	}
}

// Notify signals an external page change (the generic stand-in for DOM
// mutation callbacks). Coalesced: signalling during a pending debounce just
// extends it.
func (w *Watcher) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run binds the tab's check address, performs the on-load classification, and
// then re-checks on every tick and on debounced notifications. Blocks until
// the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	addr := Address(w.tabID)
	unbind := w.bus.Bind(addr, w.handleCheck)
	defer unbind()

	slog.Info("Watcher started", "tab", w.tabID, "tick", w.tick, "debounce", w.debounce)

	w.check()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Watcher stopped", "tab", w.tabID)
			return ctx.Err()
		case <-ticker.C:
			w.check()
		case <-w.notify:
			// Let navigation settle before re-classifying. A stale fire
			// after a racy Reset only costs one extra idempotent check.
			settle.Reset(w.debounce)
		case <-settle.C:
			w.check()
		}
	}
}

// handleCheck replies with the current classification without waiting for the
// next tick.
func (w *Watcher) handleCheck(*bus.CheckRequest) *bus.CheckReply {
	url := w.pages.CurrentURL()
	res := w.cls.URL(url)
	return &bus.CheckReply{
		OpportunityID:  res.RecordID,
		OrganizationID: res.OrganizationID,
		URL:            url,
	}
}

// check re-runs classification and reports a transition if the record id
// changed since the last report.
func (w *Watcher) check() {
	url := w.pages.CurrentURL()
	res := w.cls.URL(url)

	id := ""
	if res.IsTarget {
		id = res.RecordID
	}

	w.mu.Lock()
	prev := w.lastID
	wasTracking := w.tracking
	w.lastID = id
	w.tracking = id != ""
	w.mu.Unlock()

	switch {
	case id != "" && id != prev:
		w.report(id, res.OrganizationID, url)
	case id == "" && wasTracking && prev != "":
		w.clear(res.OrganizationID, url)
	}
}

// report persists the detection, then broadcasts it. Broadcast is
// best-effort; an absent listener is not an error.
func (w *Watcher) report(id, orgID, url string) {
	err := w.store.SetDetection(store.DetectionState{
		OpportunityID:  id,
		OrganizationID: orgID,
		SourceURL:      url,
		TabID:          w.tabID,
	})
	if err != nil {
		slog.Error("Watcher store write failed", "tab", w.tabID, "error", err)
	}

	slog.Info("Watcher detected opportunity", "tab", w.tabID, "opportunity_id", id, "org_id", orgID)
	w.bus.Publish(&bus.Event{
		Type:           bus.EventOpportunityDetected,
		OpportunityID:  id,
		OrganizationID: orgID,
		SourceURL:      url,
		TabID:          w.tabID,
		TraceID:        uuid.NewString(),
	})
}

func (w *Watcher) clear(orgID, url string) {
	if err := w.store.ClearDetection(); err != nil {
		slog.Error("Watcher store clear failed", "tab", w.tabID, "error", err)
	}

	slog.Info("Watcher cleared opportunity", "tab", w.tabID)
	w.bus.Publish(&bus.Event{
		Type:           bus.EventOpportunityCleared,
		OrganizationID: orgID,
		SourceURL:      url,
		TabID:          w.tabID,
		TraceID:        uuid.NewString(),
	})
}
