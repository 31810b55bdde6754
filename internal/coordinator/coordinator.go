// Package coordinator tracks which browser tabs are on the target CRM, keeps
// a page watcher alive in each, polls them for the current record, and relays
// detections to the store and the bus. It is the only component with global
// visibility across tabs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/oppwatch/oppwatch/internal/bus"
	"github.com/oppwatch/oppwatch/internal/classify"
	"github.com/oppwatch/oppwatch/internal/store"
	"github.com/oppwatch/oppwatch/internal/watcher"
)

// TabInfo describes one open browser tab, as reported by the browser surface.
type TabInfo struct {
	ID     int64  `json:"id"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// Browser is the surface the coordinator needs from the hosting browser. The
// bridge implements it on behalf of the extension shim.
type Browser interface {
	// Tabs lists currently open tabs; used to rebuild the registry on startup.
	Tabs(ctx context.Context) ([]TabInfo, error)
	// InjectWatcher ensures a page watcher is running in the tab.
	InjectWatcher(ctx context.Context, tabID int64) error
	// Navigate points the tab at url.
	Navigate(ctx context.Context, tabID int64, url string) error
	// OpenPanel opens the UI panel for the tab's window.
	OpenPanel(ctx context.Context, tabID int64) error
	// SetBadge shows or clears the attention indicator on a tab.
	SetBadge(tabID int64, visible bool)
}

// Config groups the coordinator's timing policy.
type Config struct {
	PollInterval     time.Duration
	RequestTimeout   time.Duration
	NavigationSettle time.Duration
	SafetyPollDelay  time.Duration
}

// trackedTab is the registry entry for one tab on the target site. The
// registry is a reconstructable cache: authoritative state lives in the
// store, and Start re-scans open tabs to rebuild it.
type trackedTab struct {
	id       int64
	url      string
	origin   string
	orgID    string
	active   bool
	injected bool
	cancel   context.CancelFunc
}

// Coordinator owns the tracked-tab registry and the per-tab polling loops.
type Coordinator struct {
	cfg     Config
	cls     *classify.Classifier
	browser Browser
	store   *store.Store
	bus     *bus.Bus

	mu     sync.Mutex
	tabs   map[int64]*trackedTab
	runCtx context.Context
}

// New creates a coordinator. Non-positive timings fall back to the default
// 2s poll / 1s request / 1.5s settle / 2s safety policy.
func New(cfg Config, cls *classify.Classifier, browser Browser, st *store.Store, b *bus.Bus) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Second
	}
	if cfg.NavigationSettle <= 0 {
		cfg.NavigationSettle = 1500 * time.Millisecond
	}
	if cfg.SafetyPollDelay <= 0 {
		cfg.SafetyPollDelay = 2 * time.Second
	}
	return &Coordinator{
		cfg:     cfg,
		cls:     cls,
		browser: browser,
		store:   st,
		bus:     b,
		tabs:    make(map[int64]*trackedTab),
	}
}

// Start rebuilds the registry from a scan of open tabs. The in-memory view is
// cache, not authority; the host may have recycled us between events.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	tabs, err := c.browser.Tabs(ctx)
	if err != nil {
		return fmt.Errorf("tab rescan: %w", err)
	}
	for _, t := range tabs {
		c.HandleNavigated(ctx, t.ID, t.URL)
		if t.Active {
			c.HandleActivated(t.ID)
		}
	}
	slog.Info("Coordinator started", "open_tabs", len(tabs), "tracked", len(c.TrackedTabIDs()))
	return nil
}

// HandleNavigated processes a completed navigation in a tab. Target URLs mark
// the tab tracked and (re)start its poll loop; anything else tears the tab's
// tracking down.
func (c *Coordinator) HandleNavigated(ctx context.Context, tabID int64, rawURL string) {
	res := c.cls.URL(rawURL)
	if !res.IsTarget {
		c.handleLeftTarget(tabID)
		return
	}

	c.mu.Lock()
	tab, known := c.tabs[tabID]
	if !known {
		tab = &trackedTab{id: tabID}
		c.tabs[tabID] = tab
	}
	tab.url = rawURL
	tab.origin = originOf(rawURL)
	tab.orgID = res.OrganizationID
	polling := tab.cancel != nil
	runCtx := c.runCtx
	c.mu.Unlock()

	if !known {
		slog.Info("Coordinator tracking tab", "tab", tabID, "org_id", res.OrganizationID)
		// Attention indicator for a newly tracked tab, governed by the
		// stored auto-open preference.
		if c.store.AutoOpen() {
			c.browser.SetBadge(tabID, true)
		}
	}

	if !polling {
		c.startPolling(runCtx, tabID)
	}
}

// handleLeftTarget stops tracking a tab that navigated off the target site.
// If the global detection came from the CRM, it is cleared and broadcast.
func (c *Coordinator) handleLeftTarget(tabID int64) {
	c.mu.Lock()
	tab, known := c.tabs[tabID]
	if known {
		delete(c.tabs, tabID)
	}
	c.mu.Unlock()
	if !known {
		return
	}

	stopPolling(tab)
	c.browser.SetBadge(tabID, false)
	slog.Info("Coordinator untracked tab", "tab", tabID, "reason", "left target site")
	c.clearIfCurrent(tabID, tab.orgID)
}

// HandleRemoved cancels the tab's polling loop and discards its entry.
// Safe to call for unknown tabs and safe to call twice.
func (c *Coordinator) HandleRemoved(tabID int64) {
	c.mu.Lock()
	tab, known := c.tabs[tabID]
	if known {
		delete(c.tabs, tabID)
	}
	c.mu.Unlock()
	if !known {
		return
	}
	stopPolling(tab)
	slog.Info("Coordinator untracked tab", "tab", tabID, "reason", "removed")
}

// HandleActivated marks the tab as the window's active tab.
func (c *Coordinator) HandleActivated(tabID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.tabs {
		t.active = id == tabID
	}
}

// HandleIconActivated opens the panel and clears the tab's badge.
func (c *Coordinator) HandleIconActivated(ctx context.Context, tabID int64) error {
	c.browser.SetBadge(tabID, false)
	if err := c.browser.OpenPanel(ctx, tabID); err != nil {
		return fmt.Errorf("open panel: %w", err)
	}
	return nil
}

// HandlePopupOpened gives the freshly opened panel fresh data: badges are
// cleared and the active tracked tab is polled immediately instead of waiting
// for the next periodic tick.
func (c *Coordinator) HandlePopupOpened(ctx context.Context) {
	c.mu.Lock()
	ids := lo.Keys(c.tabs)
	var activeID int64 = -1
	for id, t := range c.tabs {
		if t.active {
			activeID = id
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.browser.SetBadge(id, false)
	}
	if activeID >= 0 {
		c.pollOnce(ctx, activeID)
	}
}

// NavigateToOpportunity builds the record URL from the target tab's origin,
// navigates the tab, and schedules a settle re-check plus one safety poll in
// case the first check races the page load. Returns false when no tracked tab
// is available.
func (c *Coordinator) NavigateToOpportunity(ctx context.Context, opportunityID string) bool {
	c.mu.Lock()
	var target *trackedTab
	for _, t := range c.tabs {
		if t.active {
			target = t
			break
		}
	}
	if target == nil {
		for _, t := range c.tabs {
			target = t
			break
		}
	}
	runCtx := c.runCtx
	c.mu.Unlock()

	if target == nil {
		slog.Warn("Coordinator navigation refused: no tracked tab", "opportunity_id", opportunityID)
		return false
	}

	recordURL := classify.RecordURL(target.origin, opportunityID)
	if err := c.browser.Navigate(ctx, target.id, recordURL); err != nil {
		slog.Error("Coordinator navigation failed", "tab", target.id, "error", err)
		return false
	}
	slog.Info("Coordinator navigating tab", "tab", target.id, "opportunity_id", opportunityID)

	if runCtx == nil {
		runCtx = ctx
	}
	c.schedulePoll(runCtx, target.id, c.cfg.NavigationSettle)
	c.schedulePoll(runCtx, target.id, c.cfg.NavigationSettle+c.cfg.SafetyPollDelay)
	return true
}

// SetAutoOpen stores the panel auto-open preference.
func (c *Coordinator) SetAutoOpen(enabled bool) error {
	return c.store.SetAutoOpen(enabled)
}

// CRMStatus reports whether any tracked tab is on the CRM and the most
// recently seen organization id.
func (c *Coordinator) CRMStatus() (isCRM bool, orgID string) {
	c.mu.Lock()
	isCRM = len(c.tabs) > 0
	c.mu.Unlock()
	orgID, _ = c.store.CurrentOrgID()
	return isCRM, orgID
}

// TrackedTabIDs returns the ids of currently tracked tabs.
func (c *Coordinator) TrackedTabIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Keys(c.tabs)
}

// startPolling launches the tab's polling loop. Each tab's loop is
// independent; a stuck page never stalls the others.
func (c *Coordinator) startPolling(parent context.Context, tabID int64) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	tab, ok := c.tabs[tabID]
	if !ok {
		c.mu.Unlock()
		cancel()
		return
	}
	if tab.cancel != nil {
		// Already polling; keep the existing loop.
		c.mu.Unlock()
		cancel()
		return
	}
	tab.cancel = cancel
	c.mu.Unlock()

	go c.pollLoop(ctx, tabID)
}

func (c *Coordinator) pollLoop(ctx context.Context, tabID int64) {
	slog.Debug("Coordinator poll loop started", "tab", tabID, "interval", c.cfg.PollInterval)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.pollOnce(ctx, tabID)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Coordinator poll loop stopped", "tab", tabID)
			return
		case <-ticker.C:
			c.pollOnce(ctx, tabID)
		}
	}
}

// pollOnce runs a single poll cycle against a tab: ensure the watcher is
// injected, ask it for the current id with a bounded wait, and apply the
// reply to the global detection state. Every failure degrades to "no data";
// nothing here is fatal to the loop.
func (c *Coordinator) pollOnce(ctx context.Context, tabID int64) {
	c.mu.Lock()
	tab, ok := c.tabs[tabID]
	if !ok {
		c.mu.Unlock()
		return
	}
	injected := tab.injected
	c.mu.Unlock()

	if !injected {
		if err := c.browser.InjectWatcher(ctx, tabID); err != nil {
			slog.Warn("Coordinator watcher injection failed", "tab", tabID, "error", err)
			return
		}
		c.setInjected(tabID, true)
	}

	reply, err := c.bus.Check(ctx, watcher.Address(tabID), c.cfg.RequestTimeout)
	switch {
	case errors.Is(err, bus.ErrNoReceiver):
		// The receiving end is gone; re-inject on the next poll. This is
		// not tab removal.
		slog.Warn("Coordinator check failed: receiver gone", "tab", tabID)
		c.setInjected(tabID, false)
		return
	case errors.Is(err, bus.ErrTimeout):
		slog.Debug("Coordinator check timed out", "tab", tabID)
		return
	case err != nil:
		slog.Debug("Coordinator check aborted", "tab", tabID, "error", err)
		return
	}

	c.applyReply(tabID, reply)
}

// applyReply reconciles a watcher reply with the global detection state.
// Identical consecutive ids never re-broadcast.
func (c *Coordinator) applyReply(tabID int64, reply *bus.CheckReply) {
	c.mu.Lock()
	_, tracked := c.tabs[tabID]
	c.mu.Unlock()
	if !tracked {
		// A reply raced the tab's teardown; the registry owns the truth.
		return
	}

	current, hasCurrent, err := c.store.Detection()
	if err != nil {
		slog.Error("Coordinator store read failed", "tab", tabID, "error", err)
		return
	}

	if reply.OpportunityID != "" {
		if hasCurrent && current.OpportunityID == reply.OpportunityID {
			return
		}
		st := store.DetectionState{
			OpportunityID:  reply.OpportunityID,
			OrganizationID: reply.OrganizationID,
			SourceURL:      reply.URL,
			TabID:          tabID,
		}
		if err := c.store.SetDetection(st); err != nil {
			slog.Error("Coordinator store write failed", "tab", tabID, "error", err)
		}
		slog.Info("Coordinator detected opportunity", "tab", tabID, "opportunity_id", reply.OpportunityID, "org_id", reply.OrganizationID)
		c.bus.Publish(&bus.Event{
			Type:           bus.EventOpportunityDetected,
			OpportunityID:  reply.OpportunityID,
			OrganizationID: reply.OrganizationID,
			SourceURL:      reply.URL,
			TabID:          tabID,
			TraceID:        uuid.NewString(),
		})
		return
	}

	if hasCurrent {
		// An empty reply only retracts the record this tab produced; another
		// tab sitting on a record-less page is not evidence the record closed.
		if current.TabID != 0 && current.TabID != tabID {
			return
		}
		if err := c.store.ClearDetection(); err != nil {
			slog.Error("Coordinator store clear failed", "tab", tabID, "error", err)
		}
		slog.Info("Coordinator cleared opportunity", "tab", tabID)
		c.bus.Publish(&bus.Event{
			Type:           bus.EventOpportunityCleared,
			OrganizationID: reply.OrganizationID,
			TabID:          tabID,
			TraceID:        uuid.NewString(),
		})
	}
}

// clearIfCurrent clears the global detection and broadcasts, used when a
// tracked tab leaves the target site. Only the tab that produced the current
// record clears it; a detection with no recorded owner is treated as this
// tab's.
func (c *Coordinator) clearIfCurrent(tabID int64, orgID string) {
	current, hasCurrent, err := c.store.Detection()
	if err != nil || !hasCurrent {
		return
	}
	if current.TabID != 0 && current.TabID != tabID {
		return
	}
	if err := c.store.ClearDetection(); err != nil {
		slog.Error("Coordinator store clear failed", "tab", tabID, "error", err)
	}
	c.bus.Publish(&bus.Event{
		Type:           bus.EventOpportunityCleared,
		OrganizationID: orgID,
		TabID:          tabID,
		TraceID:        uuid.NewString(),
	})
}

// schedulePoll runs one poll cycle after delay, unless the run context ends
// first.
func (c *Coordinator) schedulePoll(ctx context.Context, tabID int64, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			c.pollOnce(ctx, tabID)
		}
	}()
}

func (c *Coordinator) setInjected(tabID int64, injected bool) {
	c.mu.Lock()
	if tab, ok := c.tabs[tabID]; ok {
		tab.injected = injected
	}
	c.mu.Unlock()
}

// stopPolling cancels a tab's poll loop. Idempotent: safe when the loop was
// never started or is already stopped.
func stopPolling(tab *trackedTab) {
	if tab.cancel != nil {
		tab.cancel()
		tab.cancel = nil
	}
}

// originOf extracts scheme://host from a URL, for building record URLs on the
// tab's own organization.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
