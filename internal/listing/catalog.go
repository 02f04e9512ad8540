package listing

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rezendeimoveis/imoveis-web/internal/log"
	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

const (
	DefaultTTL = 60 * time.Second

	// DefaultRetryBackoff spaces refresh attempts while the CMS is failing.
	DefaultRetryBackoff = 15 * time.Second
)

const forSaleQuery = `*[_type == "imovel" && status == "venda"] | order(_createdAt desc) {
  _id, titulo, "slug": slug.current, tipo, status, preco, localizacao,
  bairro, cidade, area, quartos, banheiros, vagas, "destaque": coalesce(destaque, false)
}`

var ErrNotFound = errors.New("listing: not found")

// Querier is the CMS read surface the catalog needs.
type Querier interface {
	Query(ctx context.Context, groq string, params map[string]any, out any) error
}

type Option func(*Catalog)

func WithTTL(d time.Duration) Option {
	return func(c *Catalog) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithRetryBackoff sets how long a failed refresh keeps serving the older
// snapshot before the CMS is tried again.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Catalog) {
		if d > 0 {
			c.backoff = d
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// WithOnLoaded is called after every successful refresh with the listing
// count and load time.
func WithOnLoaded(fn func(n int, at time.Time)) Option {
	return func(c *Catalog) { c.onLoaded = fn }
}

// Catalog caches the for-sale listings for a TTL. At most one CMS fetch is
// in flight: callers with a cold cache wait on it, callers holding an older
// snapshot are served that snapshot meanwhile. A failed refresh keeps the
// older snapshot and is not retried before the retry backoff has passed.
type Catalog struct {
	src      Querier
	ttl      time.Duration
	backoff  time.Duration
	logger   log.Logger
	now      func() time.Time
	onLoaded func(int, time.Time)

	mu       sync.Mutex
	props    []Property
	loadedAt time.Time
	retryAt  time.Time
	loaded   bool
	inflight *refresh
}

// refresh is one CMS fetch shared by every caller that waits on it.
type refresh struct {
	done  chan struct{}
	props []Property
	err   error
}

func NewCatalog(src Querier, opts ...Option) (*Catalog, error) {
	if src == nil {
		return nil, xerrors.New("listing: querier is required")
	}
	c := &Catalog{
		src:     src,
		ttl:     DefaultTTL,
		backoff: DefaultRetryBackoff,
		logger:  log.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Catalog) snapshot(ctx context.Context) ([]Property, error) {
	c.mu.Lock()
	now := c.now()
	if c.loaded && (now.Sub(c.loadedAt) < c.ttl || now.Before(c.retryAt)) {
		props := c.props
		c.mu.Unlock()
		return props, nil
	}
	if f := c.inflight; f != nil {
		if c.loaded {
			props := c.props
			c.mu.Unlock()
			return props, nil
		}
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.props, f.err
		case <-ctx.Done():
			return nil, xerrors.Wrap(ctx.Err(), "wait for catalog")
		}
	}
	f := &refresh{done: make(chan struct{})}
	c.inflight = f
	stale := c.loaded
	c.mu.Unlock()

	// shared by every waiter, one caller going away must not fail it
	props, err := c.fetch(context.WithoutCancel(ctx), stale)

	c.mu.Lock()
	c.inflight = nil
	now = c.now()
	switch {
	case err == nil:
		c.props, c.loadedAt, c.loaded = props, now, true
		c.retryAt = time.Time{}
		f.props = props
	case c.loaded:
		c.retryAt = now.Add(c.backoff)
		f.props = c.props
		c.logger.Error(ctx, err, "catalog refresh failed, serving stale listings",
			"age", now.Sub(c.loadedAt).String(),
			"retry_in", c.backoff.String(),
		)
	default:
		f.err = xerrors.Wrap(err, "load catalog")
	}
	c.mu.Unlock()
	close(f.done)

	if err == nil {
		if c.onLoaded != nil {
			c.onLoaded(len(props), now)
		}
		c.logger.Debug(ctx, "catalog refreshed", "count", len(props))
	}
	return f.props, f.err
}

func (c *Catalog) fetch(ctx context.Context, stale bool) ([]Property, error) {
	ctx, span := otel.Tracer("imoveis-web/listing").Start(ctx, "catalog.refresh")
	defer span.End()

	var props []Property
	if err := c.src.Query(ctx, forSaleQuery, nil, &props); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog fetch failed")
		span.SetAttributes(attribute.Bool("catalog.stale", stale))
		return nil, err
	}
	if props == nil {
		props = []Property{}
	}
	span.SetAttributes(attribute.Int("catalog.count", len(props)))
	return props, nil
}

// List returns the cached listings matching f.
func (c *Catalog) List(ctx context.Context, f Filter) ([]Property, error) {
	props, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return f.Apply(props), nil
}

func (c *Catalog) BySlug(ctx context.Context, slug string) (Property, error) {
	props, err := c.snapshot(ctx)
	if err != nil {
		return Property{}, err
	}
	for _, p := range props {
		if p.Slug == slug {
			return p, nil
		}
	}
	return Property{}, ErrNotFound
}

// Invalidate drops the cached snapshot so the next call refetches.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.retryAt = time.Time{}
	c.mu.Unlock()
}
