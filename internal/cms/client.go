// Package cms is a small client for the hosted headless CMS (Sanity HTTP
// API): GROQ queries and document creation. Everything the site reads or
// writes at request time goes through here.
package cms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/rezendeimoveis/imoveis-web/internal/log"
	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

const (
	DefaultAPIVersion = "2024-07-11"
	DefaultDataset    = "production"
	DefaultRPS        = 25
	DefaultTimeout    = 10 * time.Second

	opQuery  = "query"
	opCreate = "create"
)

// APIError is a non-2xx answer from the CMS.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("cms: http %d: %s", e.Status, body)
}

type Options struct {
	ProjectID  string
	Dataset    string
	APIVersion string
	// Token is sent as a bearer token. Reads of public datasets work without
	// one, creating documents does not.
	Token string

	// RPS and Burst pace outbound calls. RPS <= 0 uses DefaultRPS.
	RPS   float64
	Burst int

	Timeout time.Duration
	Retries int

	// BaseURL overrides https://<project>.api.sanity.io, for tests.
	BaseURL string
	// Transport defaults to an otelhttp-wrapped http.DefaultTransport.
	Transport http.RoundTripper

	// Observe is called after every call with the operation name, duration
	// and error.
	Observe func(op string, d time.Duration, err error)
	Logger  log.Logger
}

type Client struct {
	http    *resty.Client
	dataset string
	observe func(string, time.Duration, error)
	logger  log.Logger
}

func New(opts Options) (*Client, error) {
	if opts.ProjectID == "" && opts.BaseURL == "" {
		return nil, xerrors.New("cms: project id is required")
	}
	if opts.Dataset == "" {
		opts.Dataset = DefaultDataset
	}
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.RPS <= 0 {
		opts.RPS = DefaultRPS
	}
	if opts.Burst <= 0 {
		opts.Burst = max(int(opts.RPS), 1)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Transport == nil {
		opts.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	base := opts.BaseURL
	if base == "" {
		base = "https://" + opts.ProjectID + ".api.sanity.io"
	}
	base = strings.TrimRight(base, "/") + "/v" + strings.TrimPrefix(opts.APIVersion, "v")

	hc := &http.Client{Timeout: opts.Timeout, Transport: opts.Transport}
	rc := resty.NewWithClient(hc).
		SetBaseURL(base).
		SetHeader("Accept", "application/json").
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryableRead)
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst)
	// runs before every attempt, retries included
	rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if err := limiter.Wait(r.Context()); err != nil {
			return xerrors.Wrap(err, "cms: wait for rate limiter")
		}
		return nil
	})

	return &Client{
		http:    rc,
		dataset: url.PathEscape(opts.Dataset),
		observe: opts.Observe,
		logger:  opts.Logger,
	}, nil
}

// only reads are retried, a repeated create would duplicate the document
func retryableRead(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return true
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

type queryEnvelope struct {
	Result json.RawMessage `json:"result"`
}

// Query runs a GROQ query and decodes its result into out. params become
// $name variables and are JSON encoded.
func (c *Client) Query(ctx context.Context, groq string, params map[string]any, out any) (err error) {
	start := time.Now()
	defer func() { c.done(ctx, opQuery, start, err) }()

	qp := url.Values{}
	qp.Set("query", groq)
	for k, v := range params {
		b, err := json.Marshal(v)
		if err != nil {
			return xerrors.Wrapf(err, "cms: encode param %s", k)
		}
		qp.Set("$"+strings.TrimPrefix(k, "$"), string(b))
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(qp).
		Get("/data/query/" + c.dataset)
	if err != nil {
		return xerrors.Wrap(err, "cms: query")
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}

	var env queryEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return xerrors.Wrap(err, "cms: decode query response")
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return xerrors.Wrap(err, "cms: decode query result")
	}
	return nil
}

type mutateRequest struct {
	Mutations []map[string]any `json:"mutations"`
}

type mutateResponse struct {
	TransactionID string `json:"transactionId"`
	Results       []struct {
		ID        string `json:"id"`
		Operation string `json:"operation"`
	} `json:"results"`
}

// Create stores doc, which must carry a _type, and returns the new document id.
func (c *Client) Create(ctx context.Context, doc map[string]any) (id string, err error) {
	start := time.Now()
	defer func() { c.done(ctx, opCreate, start, err) }()

	if t, _ := doc["_type"].(string); t == "" {
		return "", xerrors.New("cms: document has no _type")
	}
	var out mutateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("returnIds", "true").
		SetHeader("Content-Type", "application/json").
		SetBody(mutateRequest{Mutations: []map[string]any{{"create": doc}}}).
		Post("/data/mutate/" + c.dataset)
	if err != nil {
		return "", xerrors.Wrap(err, "cms: mutate")
	}
	if resp.IsError() {
		return "", &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", xerrors.Wrap(err, "cms: decode mutate response")
	}
	if len(out.Results) == 0 || out.Results[0].ID == "" {
		return "", xerrors.Newf("cms: mutate returned no document id (transaction %s)", out.TransactionID)
	}
	return out.Results[0].ID, nil
}

func (c *Client) done(ctx context.Context, op string, start time.Time, err error) {
	d := time.Since(start)
	if c.observe != nil {
		c.observe(op, d, err)
	}
	if err != nil {
		c.logger.Debug(ctx, "cms call failed", "cms.operation", op, "duration_seconds", d.Seconds(), "error", err.Error())
	}
}
