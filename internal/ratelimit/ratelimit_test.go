package ratelimit

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rezendeimoveis/imoveis-web/internal/cfg"
	"github.com/rezendeimoveis/imoveis-web/internal/httpmw"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int64) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

// fakeClock is a settable clock for middleware and Run tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (c *Controller) countFor(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.clients[id]; ok {
		return w.count
	}
	return 0
}

func TestNew_Defaults(t *testing.T) {
	c := New()
	if c.Window() != 60*time.Second {
		t.Errorf("window = %v", c.Window())
	}
	if c.MaxRequests() != 100 {
		t.Errorf("max = %d", c.MaxRequests())
	}
	if c.Prefix() != "/studio" {
		t.Errorf("prefix = %q", c.Prefix())
	}
	if c.staleAfter != c.window || c.interval != c.window {
		t.Errorf("staleAfter=%v interval=%v, want window", c.staleAfter, c.interval)
	}
}

func TestNew_IgnoresInvalidOptions(t *testing.T) {
	c := New(WithWindow(0), WithMaxRequests(-1), WithProtectedPrefix(""), WithClock(nil), WithClientIDResolver(nil))
	if c.Window() != DefaultWindow || c.MaxRequests() != DefaultMaxRequests || c.Prefix() != DefaultProtectedPrefix {
		t.Fatalf("invalid options changed defaults: %v %d %q", c.Window(), c.MaxRequests(), c.Prefix())
	}
	if c.now == nil || c.resolve == nil {
		t.Fatal("nil clock or resolver accepted")
	}
}

// The flag defaults leave stale-after and the sweep interval at zero, which
// must mean one window length once they reach the controller.
func TestNew_FromConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var conf cfg.App
	cfg.Register(fs, &conf)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}

	c := New(
		WithWindow(conf.RateLimitWindow),
		WithMaxRequests(conf.RateLimitMax),
		WithProtectedPrefix(conf.RateLimitPrefix),
		WithStaleAfter(conf.RateLimitStaleAfter),
		WithEvictInterval(conf.RateLimitEvictInterval),
	)
	if c.StaleAfter() != 60*time.Second || c.interval != 60*time.Second {
		t.Fatalf("staleAfter=%v interval=%v, want 60s", c.StaleAfter(), c.interval)
	}

	c.Classify("a", at(0)) // window ends at 60000
	if n := c.EvictExpired(at(61000), c.StaleAfter()); n != 0 {
		t.Fatalf("evicted %d one second after the window ended", n)
	}
	if n := c.EvictExpired(at(120001), c.StaleAfter()); n != 1 {
		t.Fatalf("evicted %d a full window after it ended, want 1", n)
	}
}

func TestWithStaleAfter(t *testing.T) {
	tests := map[time.Duration]time.Duration{
		-time.Second:     time.Second,
		0:                time.Second,
		time.Millisecond: time.Millisecond,
		5 * time.Second:  5 * time.Second,
	}
	for in, want := range tests {
		if got := New(WithWindow(time.Second), WithStaleAfter(in)).StaleAfter(); got != want {
			t.Errorf("WithStaleAfter(%v) = %v, want %v", in, got, want)
		}
	}
}

// One client at the production defaults across a window boundary.
func TestClassify_LiteralScenario(t *testing.T) {
	c := New(WithWindow(60000*time.Millisecond), WithMaxRequests(100))

	for i := 1; i <= 100; i++ {
		d := c.Classify("1.2.3.4", at(0))
		if !d.Allowed {
			t.Fatalf("request %d at t=0 denied", i)
		}
	}
	if got := c.countFor("1.2.3.4"); got != 100 {
		t.Fatalf("count after 100 = %d", got)
	}

	d := c.Classify("1.2.3.4", at(500))
	if d.Allowed || d.Count != 101 {
		t.Fatalf("request 101 at t=500 = %+v, want deny count 101", d)
	}

	d = c.Classify("1.2.3.4", at(60001))
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("request 102 at t=60001 = %+v, want allow count 1", d)
	}
	if !d.WindowStart.Equal(at(60001)) {
		t.Fatalf("new window start = %v", d.WindowStart)
	}
}

func TestClassify_WindowReset(t *testing.T) {
	const w = 1000
	for _, between := range []int{0, 1, 5, 50} {
		c := New(WithWindow(w*time.Millisecond), WithMaxRequests(3))
		c.Classify("c", at(0))
		for i := 0; i < between; i++ {
			c.Classify("c", at(int64(i%w)))
		}
		d := c.Classify("c", at(w+1))
		if !d.Allowed || d.Count != 1 {
			t.Fatalf("between=%d: %+v, want allow count 1", between, d)
		}
	}
}

func TestClassify_WindowEndIsExclusive(t *testing.T) {
	c := New(WithWindow(time.Second), WithMaxRequests(1))
	c.Classify("c", at(0))
	if d := c.Classify("c", at(999)); d.Allowed {
		t.Fatal("t=999 is inside the window")
	}
	if d := c.Classify("c", at(1000)); !d.Allowed || d.Count != 1 {
		t.Fatalf("t=W should open a new window, got %+v", d)
	}
}

func TestClassify_ThresholdBoundary(t *testing.T) {
	const limit = 5
	c := New(WithWindow(time.Minute), WithMaxRequests(limit))
	for i := 1; i <= limit; i++ {
		if d := c.Classify("c", at(int64(i))); !d.Allowed || d.Count != i {
			t.Fatalf("request %d = %+v", i, d)
		}
	}
	for i := limit + 1; i <= limit+10; i++ {
		d := c.Classify("c", at(int64(i)))
		if d.Allowed {
			t.Fatalf("request %d allowed past limit", i)
		}
		if d.Count != i {
			t.Fatalf("count keeps incrementing on deny: got %d want %d", d.Count, i)
		}
		if d.Limit != limit {
			t.Fatalf("limit = %d", d.Limit)
		}
	}
}

func TestClassify_Isolation(t *testing.T) {
	c := New(WithWindow(time.Minute), WithMaxRequests(2))
	c.Classify("a", at(0))
	c.Classify("a", at(1))
	if d := c.Classify("a", at(2)); d.Allowed {
		t.Fatal("a should be denied")
	}

	d := c.Classify("b", at(30000))
	if !d.Allowed || d.Count != 1 || !d.WindowStart.Equal(at(30000)) {
		t.Fatalf("b affected by a: %+v", d)
	}
	if got := c.countFor("a"); got != 3 {
		t.Fatalf("a count changed by b: %d", got)
	}
}

func TestClassify_EmptyIDIsUnknown(t *testing.T) {
	c := New()
	d := c.Classify("", at(0))
	if d.ClientID != httpmw.UnknownClient {
		t.Fatalf("client id = %q", d.ClientID)
	}
	c.Classify(httpmw.UnknownClient, at(1))
	if got := c.countFor(httpmw.UnknownClient); got != 2 {
		t.Fatalf("empty and unknown should share a bucket, count = %d", got)
	}
}

func TestClassify_Remaining(t *testing.T) {
	c := New(WithWindow(10 * time.Second))
	c.Classify("c", at(0))
	if d := c.Classify("c", at(2500)); d.Remaining != 7500*time.Millisecond {
		t.Fatalf("remaining = %v", d.Remaining)
	}
	if d := c.Classify("c", at(9999)); d.Remaining != time.Millisecond {
		t.Fatalf("remaining at end = %v", d.Remaining)
	}
}

func TestShouldProtect(t *testing.T) {
	c := New()
	tests := []struct {
		path string
		want bool
	}{
		{"/studio", true},
		{"/studio/x", true},
		{"/studio/desk/imovel;abc", true},
		{"/", false},
		{"/api/consultas", false},
		{"/imoveis/studio", false},
	}
	for _, tt := range tests {
		if got := c.ShouldProtect(tt.path); got != tt.want {
			t.Errorf("ShouldProtect(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	custom := New(WithProtectedPrefix("/admin"))
	if !custom.ShouldProtect("/admin/x") || custom.ShouldProtect("/studio") {
		t.Fatal("custom prefix not applied")
	}
}

func TestMiddleware_UnprotectedNeverDenied(t *testing.T) {
	c := New(WithMaxRequests(1))
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/consultas", http.NoBody)
		req.Header.Set("X-Forwarded-For", "1.2.3.4")
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d to unprotected path got %d", i, rec.Code)
		}
	}
	if c.Len() != 0 {
		t.Fatalf("unprotected traffic was tracked: %d clients", c.Len())
	}
}

func TestEvictExpired(t *testing.T) {
	c := New(WithWindow(time.Second))
	c.Classify("old", at(0))      // window ends at 1000
	c.Classify("edge", at(2000))  // ends at 3000
	c.Classify("fresh", at(4500)) // ends at 5500

	// now=5000, staleAfter=2000: cutoff 3000
	n := c.EvictExpired(at(5000), 2*time.Second)
	if n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if c.countFor("old") != 0 {
		t.Fatal("old not evicted")
	}
	if c.countFor("edge") != 1 || c.countFor("fresh") != 1 {
		t.Fatal("entries within staleAfter were touched")
	}

	if n := c.EvictExpired(at(5000), 2*time.Second); n != 0 {
		t.Fatalf("second pass evicted %d", n)
	}
	if n := c.EvictExpired(at(100000), 0); n != 2 {
		t.Fatalf("final pass evicted %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestEvictExpired_EmptyIsNoop(t *testing.T) {
	if n := New().EvictExpired(at(0), 0); n != 0 {
		t.Fatalf("evicted %d from empty controller", n)
	}
}

func TestClassify_Concurrent(t *testing.T) {
	const (
		n     = 500
		limit = 100
	)
	c := New(WithWindow(time.Hour), WithMaxRequests(limit))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if c.Classify("1.2.3.4", at(10)).Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := c.countFor("1.2.3.4"); got != n {
		t.Fatalf("count = %d, want %d (lost updates)", got, n)
	}
	if got := allowed.Load(); got != limit {
		t.Fatalf("allowed = %d, want %d", got, limit)
	}
}

func TestClassify_ConcurrentWithEviction(t *testing.T) {
	c := New(WithWindow(time.Millisecond), WithMaxRequests(1000))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Classify(string(rune('a'+g)), at(int64(i)))
				if i%10 == 0 {
					c.EvictExpired(at(int64(i)), 0)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 8 {
		t.Fatalf("len = %d, want at most 8", c.Len())
	}
}

// hooks

func TestHooks_DeniedAndFirstDenied(t *testing.T) {
	var denied, first atomic.Int32
	var firstDecision Decision
	c := New(
		WithWindow(time.Second),
		WithMaxRequests(2),
		WithOnDenied(func(Decision) { denied.Add(1) }),
		WithOnFirstDenied(func(d Decision) {
			first.Add(1)
			firstDecision = d
		}),
	)

	for i := 0; i < 7; i++ {
		c.Classify("c", at(int64(i)))
	}
	if denied.Load() != 5 {
		t.Fatalf("OnDenied = %d, want 5", denied.Load())
	}
	if first.Load() != 1 {
		t.Fatalf("OnFirstDenied = %d, want 1", first.Load())
	}
	if firstDecision.Count != 3 || firstDecision.ClientID != "c" {
		t.Fatalf("first decision = %+v", firstDecision)
	}

	// next window reports again
	c.Classify("c", at(2000))
	c.Classify("c", at(2001))
	c.Classify("c", at(2002))
	if first.Load() != 2 {
		t.Fatalf("OnFirstDenied after new window = %d, want 2", first.Load())
	}
}

func TestHooks_Allowed(t *testing.T) {
	var allowed atomic.Int32
	c := New(WithMaxRequests(3), WithOnAllowed(func(d Decision) {
		if !d.Allowed {
			t.Errorf("OnAllowed got a denied decision: %+v", d)
		}
		allowed.Add(1)
	}))
	for i := 0; i < 5; i++ {
		c.Classify("c", at(int64(i)))
	}
	if allowed.Load() != 3 {
		t.Fatalf("OnAllowed = %d, want 3", allowed.Load())
	}
}

func TestHooks_RunOutsideLock(t *testing.T) {
	var c *Controller
	c = New(WithMaxRequests(1), WithOnDenied(func(Decision) {
		// would deadlock if called with mu held
		_ = c.Len()
	}))
	c.Classify("c", at(0))
	done := make(chan struct{})
	go func() {
		c.Classify("c", at(1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook deadlocked")
	}
}

// Run

func TestRun_EvictsAndStops(t *testing.T) {
	clk := &fakeClock{now: at(0)}
	evicted := make(chan int, 16)
	c := New(
		WithWindow(time.Second),
		WithStaleAfter(time.Millisecond),
		WithEvictInterval(5*time.Millisecond),
		WithClock(clk.Now),
		WithOnEvicted(func(n int) {
			select {
			case evicted <- n:
			default:
			}
		}),
	)
	c.Classify("a", at(0))
	c.Classify("b", at(0))
	clk.Set(at(10000))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for c.Len() != 0 {
		select {
		case <-evicted:
		case <-deadline:
			t.Fatalf("Run did not evict, len = %d", c.Len())
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// Middleware

func TestMiddleware_DeniesWith429(t *testing.T) {
	clk := &fakeClock{now: at(0)}
	c := New(WithWindow(60*time.Second), WithMaxRequests(3), WithClock(clk.Now))

	var reached int
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached++
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/studio/desk", http.NoBody)
		req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		if rec := do(); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, rec.Code)
		}
	}

	clk.Set(at(500))
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "60" {
		t.Fatalf("Retry-After = %q, want 60", ra)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not json: %v", err)
	}
	if body["error"] != "Too many requests. Please try again later." || len(body) != 1 {
		t.Fatalf("body = %v", body)
	}
	if reached != 3 {
		t.Fatalf("denied request reached handler, reached = %d", reached)
	}

	clk.Set(at(60001))
	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("after window = %d", rec.Code)
	}
}

func TestMiddleware_UsesContextClientID(t *testing.T) {
	c := New(WithMaxRequests(1))
	h := httpmw.ClientID(func(*http.Request) string { return "resolved" })(
		c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {})),
	)
	req := httptest.NewRequest(http.MethodGet, "/studio", http.NoBody)
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if c.countFor("resolved") != 1 || c.countFor("1.2.3.4") != 0 {
		t.Fatal("middleware ignored the identity stored by httpmw.ClientID")
	}
}

func TestMiddleware_ResolverFallback(t *testing.T) {
	c := New(WithClientIDResolver(func(*http.Request) string { return "custom" }))
	c.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/studio", http.NoBody))
	if c.countFor("custom") != 1 {
		t.Fatal("custom resolver not used")
	}
}

func TestMiddleware_NoHeadersSharesUnknown(t *testing.T) {
	c := New(WithMaxRequests(2))
	h := c.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/studio", http.NoBody))
	}
	if got := c.countFor(httpmw.UnknownClient); got != 3 {
		t.Fatalf("unknown bucket count = %d", got)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "1"},
		{time.Millisecond, "1"},
		{time.Second, "1"},
		{1500 * time.Millisecond, "2"},
		{59500 * time.Millisecond, "60"},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.in); got != tt.want {
			t.Errorf("retryAfter(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
