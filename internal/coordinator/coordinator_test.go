package coordinator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oppwatch/oppwatch/internal/bus"
	"github.com/oppwatch/oppwatch/internal/classify"
	"github.com/oppwatch/oppwatch/internal/store"
	"github.com/oppwatch/oppwatch/internal/watcher"
)

// fakeBrowser simulates the extension shim: injection binds a check handler
// answering from a per-tab page URL.
type fakeBrowser struct {
	bus *bus.Bus
	cls *classify.Classifier

	mu          sync.Mutex
	openTabs    []TabInfo
	pages       map[int64]string
	hang        map[int64]bool
	checks      map[int64]*atomic.Int64
	injections  map[int64]int
	navigations []string
	badges      map[int64]bool
	panelOpens  int
	injectErr   error
	never       chan struct{}
}

func newFakeBrowser(b *bus.Bus) *fakeBrowser {
	return &fakeBrowser{
		bus:        b,
		cls:        classify.New(""),
		pages:      make(map[int64]string),
		hang:       make(map[int64]bool),
		checks:     make(map[int64]*atomic.Int64),
		injections: make(map[int64]int),
		badges:     make(map[int64]bool),
		never:      make(chan struct{}),
	}
}

func (f *fakeBrowser) setPage(tabID int64, url string) {
	f.mu.Lock()
	f.pages[tabID] = url
	f.mu.Unlock()
}

func (f *fakeBrowser) injectionCount(tabID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injections[tabID]
}

func (f *fakeBrowser) checkCount(tabID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.checks[tabID]; ok {
		return c.Load()
	}
	return 0
}

func (f *fakeBrowser) Tabs(context.Context) ([]TabInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TabInfo(nil), f.openTabs...), nil
}

func (f *fakeBrowser) InjectWatcher(_ context.Context, tabID int64) error {
	f.mu.Lock()
	if f.injectErr != nil {
		defer f.mu.Unlock()
		return f.injectErr
	}
	f.injections[tabID]++
	counter, ok := f.checks[tabID]
	if !ok {
		counter = &atomic.Int64{}
		f.checks[tabID] = counter
	}
	f.mu.Unlock()

	f.bus.Bind(watcher.Address(tabID), func(*bus.CheckRequest) *bus.CheckReply {
		counter.Add(1)
		f.mu.Lock()
		url := f.pages[tabID]
		hang := f.hang[tabID]
		f.mu.Unlock()
		if hang {
			<-f.never
		}
		res := f.cls.URL(url)
		return &bus.CheckReply{OpportunityID: res.RecordID, OrganizationID: res.OrganizationID, URL: url}
	})
	return nil
}

func (f *fakeBrowser) Navigate(_ context.Context, tabID int64, url string) error {
	f.mu.Lock()
	f.navigations = append(f.navigations, url)
	f.pages[tabID] = url
	f.mu.Unlock()
	return nil
}

func (f *fakeBrowser) OpenPanel(context.Context, int64) error {
	f.mu.Lock()
	f.panelOpens++
	f.mu.Unlock()
	return nil
}

func (f *fakeBrowser) SetBadge(tabID int64, visible bool) {
	f.mu.Lock()
	f.badges[tabID] = visible
	f.mu.Unlock()
}

func (f *fakeBrowser) badge(tabID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.badges[tabID]
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

func (l *eventLog) ofType(t bus.EventType) []*bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*bus.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) waitOfType(t *testing.T, typ bus.EventType, n int) []*bus.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := l.ofType(typ); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, have %d", n, typ, len(l.ofType(typ)))
	return nil
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *fakeBrowser, *store.Store, *eventLog, context.Context) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	log := &eventLog{}
	b.Subscribe(log.add)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Dispatch(ctx)

	browser := newFakeBrowser(b)
	c := New(cfg, classify.New(""), browser, st, b)
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	return c, browser, st, log, ctx
}

func fastCfg() Config {
	return Config{
		PollInterval:     15 * time.Millisecond,
		RequestTimeout:   50 * time.Millisecond,
		NavigationSettle: 20 * time.Millisecond,
		SafetyPollDelay:  20 * time.Millisecond,
	}
}

func TestDetectionScenario(t *testing.T) {
	c, browser, st, log, ctx := newTestCoordinator(t, fastCfg())

	// Tab navigates to a target URL with id "A".
	browser.setPage(1, "https://contoso.crm.dynamics.com/main.aspx?id=A")
	c.HandleNavigated(ctx, 1, "https://contoso.crm.dynamics.com/main.aspx?id=A")

	detected := log.waitOfType(t, bus.EventOpportunityDetected, 1)
	if detected[0].OpportunityID != "A" || detected[0].OrganizationID != "contoso" {
		t.Fatalf("unexpected event %+v", detected[0])
	}
	if det, ok, _ := st.Detection(); !ok || det.OpportunityID != "A" {
		t.Fatalf("store should hold A, got %+v ok=%v", det, ok)
	}
	if got := browser.injectionCount(1); got != 1 {
		t.Fatalf("expected exactly one injection, got %d", got)
	}

	// Tab navigates to id "B": store updates, exactly one new detected event.
	browser.setPage(1, "https://contoso.crm.dynamics.com/main.aspx?id=B")
	detected = log.waitOfType(t, bus.EventOpportunityDetected, 2)
	if detected[1].OpportunityID != "B" {
		t.Fatalf("expected detection of B, got %+v", detected[1])
	}
	if det, _, _ := st.Detection(); det.OpportunityID != "B" {
		t.Fatalf("store holds %q, want B", det.OpportunityID)
	}

	// Identical consecutive ids must not re-broadcast.
	time.Sleep(100 * time.Millisecond)
	if evs := log.ofType(bus.EventOpportunityDetected); len(evs) != 2 {
		t.Fatalf("duplicate broadcasts: %d detected events", len(evs))
	}

	// Tab navigates off the target site: cleared, polling stops.
	browser.setPage(1, "https://example.com/")
	c.HandleNavigated(ctx, 1, "https://example.com/")
	log.waitOfType(t, bus.EventOpportunityCleared, 1)
	if _, ok, _ := st.Detection(); ok {
		t.Fatal("store detection should be removed")
	}

	n := browser.checkCount(1)
	time.Sleep(100 * time.Millisecond)
	if browser.checkCount(1) != n {
		t.Fatal("polling continued after the tab left the target site")
	}
}

func TestNonOwningTabLeavingKeepsDetection(t *testing.T) {
	c, browser, st, log, ctx := newTestCoordinator(t, fastCfg())

	// Tab 1 produces the current detection.
	browser.setPage(1, "https://contoso.crm.dynamics.com/main.aspx?id=A")
	c.HandleNavigated(ctx, 1, "https://contoso.crm.dynamics.com/main.aspx?id=A")
	log.waitOfType(t, bus.EventOpportunityDetected, 1)

	// Tab 2 is tracked but sits on a record-less page.
	browser.setPage(2, "https://contoso.crm.dynamics.com/dashboard")
	c.HandleNavigated(ctx, 2, "https://contoso.crm.dynamics.com/dashboard")

	// Tab 2 leaves the site: tab 1's detection must survive.
	browser.setPage(2, "https://example.com/")
	c.HandleNavigated(ctx, 2, "https://example.com/")

	time.Sleep(100 * time.Millisecond)
	if evs := log.ofType(bus.EventOpportunityCleared); len(evs) != 0 {
		t.Fatalf("bystander tab cleared another tab's detection: %+v", evs[0])
	}
	if det, ok, _ := st.Detection(); !ok || det.OpportunityID != "A" || det.TabID != 1 {
		t.Fatalf("store should still hold A owned by tab 1, got %+v ok=%v", det, ok)
	}

	// The owning tab leaving does clear.
	browser.setPage(1, "https://example.com/")
	c.HandleNavigated(ctx, 1, "https://example.com/")
	log.waitOfType(t, bus.EventOpportunityCleared, 1)
	if _, ok, _ := st.Detection(); ok {
		t.Fatal("owner leaving should remove the detection")
	}
}

func TestTabRemovalCancelsPolling(t *testing.T) {
	c, browser, _, _, ctx := newTestCoordinator(t, fastCfg())

	browser.setPage(1, "https://contoso.crm.dynamics.com/main.aspx?id=A")
	c.HandleNavigated(ctx, 1, "https://contoso.crm.dynamics.com/main.aspx?id=A")

	deadline := time.Now().Add(time.Second)
	for browser.checkCount(1) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	c.HandleRemoved(1)
	c.HandleRemoved(1) // idempotent

	n := browser.checkCount(1)
	time.Sleep(100 * time.Millisecond)
	if browser.checkCount(1) != n {
		t.Fatal("messages still sent to a removed tab")
	}
	if got := c.TrackedTabIDs(); len(got) != 0 {
		t.Fatalf("registry entry survived removal: %v", got)
	}
}

func TestSlowTabDoesNotBlockOthers(t *testing.T) {
	c, browser, _, log, ctx := newTestCoordinator(t, fastCfg())

	// Tab 1's watcher never replies.
	browser.mu.Lock()
	browser.hang[1] = true
	browser.mu.Unlock()
	browser.setPage(1, "https://contoso.crm.dynamics.com/dashboard")
	c.HandleNavigated(ctx, 1, "https://contoso.crm.dynamics.com/dashboard")

	browser.setPage(2, "https://contoso.crm.dynamics.com/main.aspx?id=FAST")
	c.HandleNavigated(ctx, 2, "https://contoso.crm.dynamics.com/main.aspx?id=FAST")

	evs := log.waitOfType(t, bus.EventOpportunityDetected, 1)
	if evs[0].OpportunityID != "FAST" {
		t.Fatalf("unexpected detection %+v", evs[0])
	}
}

func TestReceiverGoneTriggersReinjection(t *testing.T) {
	c, browser, _, log, ctx := newTestCoordinator(t, fastCfg())

	browser.setPage(1, "https://contoso.crm.dynamics.com/main.aspx?id=A")
	c.HandleNavigated(ctx, 1, "https://contoso.crm.dynamics.com/main.aspx?id=A")
	log.waitOfType(t, bus.EventOpportunityDetected, 1)

	// Simulate the receiving end disappearing (page watcher unloaded).
	c.bus.Unbind(watcher.Address(1))

	deadline := time.Now().Add(2 * time.Second)
	for browser.injectionCount(1) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if browser.injectionCount(1) < 2 {
		t.Fatal("watcher was not re-injected after receiver vanished")
	}
	// The tab must still be tracked: receiver-gone is not tab removal.
	if got := c.TrackedTabIDs(); len(got) != 1 {
		t.Fatalf("tab dropped from registry: %v", got)
	}
}

func TestPopupOpenedPollsActiveTabImmediately(t *testing.T) {
	cfg := fastCfg()
	cfg.PollInterval = time.Hour // only explicit polls
	c, browser, st, log, ctx := newTestCoordinator(t, cfg)

	browser.setPage(1, "https://contoso.crm.dynamics.com/dashboard")
	c.HandleNavigated(ctx, 1, "https://contoso.crm.dynamics.com/dashboard")
	c.HandleActivated(1)
	time.Sleep(30 * time.Millisecond) // initial poll of the loop

	browser.setPage(1, "https://contoso.crm.dynamics.com/main.aspx?id=FRESH")
	c.HandlePopupOpened(ctx)

	log.waitOfType(t, bus.EventOpportunityDetected, 1)
	if det, _, _ := st.Detection(); det.OpportunityID != "FRESH" {
		t.Fatalf("popup poll did not refresh store: %+v", det)
	}
	if browser.badge(1) {
		t.Fatal("badge not cleared on popup open")
	}
}

func TestNavigateToOpportunity(t *testing.T) {
	c, browser, _, log, ctx := newTestCoordinator(t, fastCfg())

	if ok := c.NavigateToOpportunity(ctx, "OPP-9"); ok {
		t.Fatal("navigation should fail with no tracked tabs")
	}

	browser.setPage(3, "https://fabrikam.crm.dynamics.com/dashboard")
	c.HandleNavigated(ctx, 3, "https://fabrikam.crm.dynamics.com/dashboard")
	c.HandleActivated(3)

	if ok := c.NavigateToOpportunity(ctx, "OPP-9"); !ok {
		t.Fatal("navigation failed")
	}

	browser.mu.Lock()
	nav := append([]string(nil), browser.navigations...)
	browser.mu.Unlock()
	if len(nav) != 1 {
		t.Fatalf("expected 1 navigation, got %d", len(nav))
	}
	if !strings.HasPrefix(nav[0], "https://fabrikam.crm.dynamics.com/") || !strings.Contains(nav[0], "OPP-9") {
		t.Fatalf("record URL not built from tab origin: %q", nav[0])
	}

	// The settle re-check picks up the new record.
	evs := log.waitOfType(t, bus.EventOpportunityDetected, 1)
	if evs[0].OpportunityID != "OPP-9" {
		t.Fatalf("settle poll missed the record: %+v", evs[0])
	}
}

func TestStartRescansOpenTabs(t *testing.T) {
	c, browser, _, log, ctx := newTestCoordinator(t, fastCfg())

	browser.openTabs = []TabInfo{
		{ID: 1, URL: "https://example.com/", Active: false},
		{ID: 2, URL: "https://contoso.crm.dynamics.com/main.aspx?id=SCANNED", Active: true},
	}
	browser.setPage(2, "https://contoso.crm.dynamics.com/main.aspx?id=SCANNED")

	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := c.TrackedTabIDs(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only tab 2 tracked, got %v", got)
	}
	evs := log.waitOfType(t, bus.EventOpportunityDetected, 1)
	if evs[0].OpportunityID != "SCANNED" {
		t.Fatalf("rescan did not detect: %+v", evs[0])
	}
}

func TestBadgeGovernedByAutoOpen(t *testing.T) {
	c, browser, st, _, ctx := newTestCoordinator(t, fastCfg())

	browser.setPage(1, "https://contoso.crm.dynamics.com/dashboard")
	c.HandleNavigated(ctx, 1, "https://contoso.crm.dynamics.com/dashboard")
	if !browser.badge(1) {
		t.Fatal("badge should show for a newly tracked tab with autoOpen on")
	}

	if err := st.SetAutoOpen(false); err != nil {
		t.Fatal(err)
	}
	browser.setPage(2, "https://contoso.crm.dynamics.com/dashboard")
	c.HandleNavigated(ctx, 2, "https://contoso.crm.dynamics.com/dashboard")
	if browser.badge(2) {
		t.Fatal("badge should not show when autoOpen is off")
	}
}

func TestIconActivationOpensPanelAndClearsBadge(t *testing.T) {
	c, browser, _, _, ctx := newTestCoordinator(t, fastCfg())

	browser.setPage(1, "https://contoso.crm.dynamics.com/dashboard")
	c.HandleNavigated(ctx, 1, "https://contoso.crm.dynamics.com/dashboard")

	if err := c.HandleIconActivated(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if browser.badge(1) {
		t.Fatal("badge not cleared on icon activation")
	}
	browser.mu.Lock()
	opens := browser.panelOpens
	browser.mu.Unlock()
	if opens != 1 {
		t.Fatalf("expected 1 panel open, got %d", opens)
	}
}

func TestCRMStatus(t *testing.T) {
	c, browser, st, _, ctx := newTestCoordinator(t, fastCfg())

	if isCRM, _ := c.CRMStatus(); isCRM {
		t.Fatal("no tabs tracked yet")
	}

	browser.setPage(1, "https://contoso.crm.dynamics.com/main.aspx?id=A")
	c.HandleNavigated(ctx, 1, "https://contoso.crm.dynamics.com/main.aspx?id=A")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := st.Detection(); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	isCRM, orgID := c.CRMStatus()
	if !isCRM || orgID != "contoso" {
		t.Fatalf("CRMStatus = %v,%q want true,contoso", isCRM, orgID)
	}
}
