package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rezendeimoveis/imoveis-web/internal/httpmw"
)

const (
	DefaultWindow          = 60 * time.Second
	DefaultMaxRequests     = 100
	DefaultProtectedPrefix = "/studio"

	// deny body is part of the public contract, clients match on it
	deniedBody = `{"error":"Too many requests. Please try again later."}`
)

// Decision is the outcome of one Classify call.
type Decision struct {
	Allowed  bool
	ClientID string
	// Count includes this request, also when denied.
	Count int
	Limit int
	// WindowStart is when the client's current window opened.
	WindowStart time.Time
	// Remaining is the time left in the window, never negative.
	Remaining time.Duration
}

// window is the per-client state. Replaced, never merged, when a new window starts.
type window struct {
	count int
	start time.Time
	// first denial already reported for this window
	reported bool
}

// Controller holds per-client fixed windows.
type Controller struct {
	mu      sync.Mutex
	clients map[string]*window

	window      time.Duration
	maxRequests int
	prefix      string
	staleAfter  time.Duration
	interval    time.Duration

	resolve httpmw.Resolver
	now     func() time.Time

	onAllowed     func(Decision)
	onDenied      func(Decision)
	onFirstDenied func(Decision)
	onEvicted     func(int)
}

type Option func(*Controller)

// WithWindow sets the window length W. Non-positive values are ignored.
func WithWindow(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithMaxRequests sets how many requests a window admits. Non-positive values are ignored.
func WithMaxRequests(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxRequests = n
		}
	}
}

func WithProtectedPrefix(p string) Option {
	return func(c *Controller) {
		if p != "" {
			c.prefix = p
		}
	}
}

// WithClientIDResolver replaces httpmw.ForwardedClientID. Requests that already
// went through httpmw.ClientID use the stored identity instead.
func WithClientIDResolver(fn httpmw.Resolver) Option {
	return func(c *Controller) {
		if fn != nil {
			c.resolve = fn
		}
	}
}

// WithStaleAfter sets how long past its end a window is kept before Run
// evicts it. Zero keeps the default, the window length.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithEvictInterval sets the Run tick. Defaults to the window length.
func WithEvictInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithOnAllowed is called on every admitted request, used for counters.
func WithOnAllowed(fn func(Decision)) Option {
	return func(c *Controller) { c.onAllowed = fn }
}

// WithOnDenied is called on every denied request, used for counters.
func WithOnDenied(fn func(Decision)) Option {
	return func(c *Controller) { c.onDenied = fn }
}

// WithOnFirstDenied is called once per client window on the first denial,
// used to log an offender once instead of on every request.
func WithOnFirstDenied(fn func(Decision)) Option {
	return func(c *Controller) { c.onFirstDenied = fn }
}

// WithOnEvicted receives the number of entries each eviction pass removed.
func WithOnEvicted(fn func(n int)) Option {
	return func(c *Controller) { c.onEvicted = fn }
}

// New builds a Controller. It starts no goroutines; call Run for eviction.
func New(opts ...Option) *Controller {
	c := &Controller{
		clients:     make(map[string]*window),
		window:      DefaultWindow,
		maxRequests: DefaultMaxRequests,
		prefix:      DefaultProtectedPrefix,
		resolve:     httpmw.ForwardedClientID,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.staleAfter <= 0 {
		c.staleAfter = c.window
	}
	if c.interval <= 0 {
		c.interval = c.window
	}
	return c
}

func (c *Controller) Window() time.Duration { return c.window }
func (c *Controller) MaxRequests() int      { return c.maxRequests }
func (c *Controller) Prefix() string        { return c.prefix }
func (c *Controller) StaleAfter() time.Duration {
	return c.staleAfter
}

// ShouldProtect reports whether path is subject to admission control.
func (c *Controller) ShouldProtect(path string) bool {
	return strings.HasPrefix(path, c.prefix)
}

// Classify counts one request from clientID at now and decides it.
// An empty clientID shares the "unknown" bucket.
func (c *Controller) Classify(clientID string, now time.Time) Decision {
	if clientID == "" {
		clientID = httpmw.UnknownClient
	}

	c.mu.Lock()
	w, ok := c.clients[clientID]
	if !ok || !now.Before(w.start.Add(c.window)) {
		w = &window{start: now}
		c.clients[clientID] = w
	}
	w.count++

	d := Decision{
		Allowed:     w.count <= c.maxRequests,
		ClientID:    clientID,
		Count:       w.count,
		Limit:       c.maxRequests,
		WindowStart: w.start,
		Remaining:   max(w.start.Add(c.window).Sub(now), 0),
	}
	first := false
	if !d.Allowed && !w.reported {
		w.reported = true
		first = true
	}
	c.mu.Unlock()

	// hooks may log or touch metrics, keep them off the lock
	if d.Allowed {
		if c.onAllowed != nil {
			c.onAllowed(d)
		}
	} else {
		if first && c.onFirstDenied != nil {
			c.onFirstDenied(d)
		}
		if c.onDenied != nil {
			c.onDenied(d)
		}
	}
	return d
}

// EvictExpired drops every client whose window ended more than staleAfter
// before now and returns how many were dropped.
func (c *Controller) EvictExpired(now time.Time, staleAfter time.Duration) int {
	cutoff := now.Add(-staleAfter)

	c.mu.Lock()
	n := 0
	for id, w := range c.clients {
		if w.start.Add(c.window).Before(cutoff) {
			delete(c.clients, id)
			n++
		}
	}
	c.mu.Unlock()
	return n
}

// Len is the number of tracked clients.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Run evicts stale windows every interval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := c.EvictExpired(c.now(), c.staleAfter)
			if c.onEvicted != nil {
				c.onEvicted(n)
			}
		}
	}
}

// Middleware denies over-limit requests under the protected prefix with 429.
// Everything else passes through without being counted.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.ShouldProtect(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		id := httpmw.ClientIDFromContext(r.Context())
		if id == "" {
			id = c.resolve(r)
		}

		d := c.Classify(id, c.now())
		if !d.Allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter(d.Remaining))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(deniedBody))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter rounds up to whole seconds, minimum 1.
func retryAfter(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
