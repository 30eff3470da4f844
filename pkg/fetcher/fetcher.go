// Package fetcher provides the rate-limited upstream client used by the
// harvester. It spaces successful calls by a think-time, rotates client
// identities, and runs a bounded retry state machine that separates
// retryable failures (throttling, 5xx, transport) from fatal ones.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream requests.
var (
	harvestRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	harvestFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_fetch_duration_seconds",
		Help:    "Duration of a logical fetch including retries and think-time",
		Buckets: []float64{0.5, 1, 3, 5, 10, 30, 60, 120},
	}, []string{"endpoint"})

	harvestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_errors_total",
		Help: "Total failed upstream attempts by class",
	}, []string{"class"})

	harvestFetchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_fetch_outcomes_total",
		Help: "Total fetch outcomes by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 32 << 20

// Limiter gates outbound requests across callers.
// It is implemented by *ratelimit.Tracker.
type Limiter interface {
	// Acquire blocks until a request may be sent. release must be called
	// once the response has been read.
	Acquire(ctx context.Context) (release func(), err error)

	// MarkThrottled holds every caller back for cooldown.
	MarkThrottled(ctx context.Context, cooldown time.Duration) error

	// Bounded reports whether the limiter enforces an aggregate rate.
	Bounded() bool
}

// Config holds the fetcher configuration.
type Config struct {
	// MaxAttempts is the maximum number of outbound requests per Fetch.
	MaxAttempts int

	// CooldownOnThrottle is the pause after a 429 or 5xx response.
	CooldownOnThrottle time.Duration

	// MinThinkTime is the mandatory pause after every successful response.
	MinThinkTime time.Duration

	// BackoffBase scales the transport error backoff: BackoffBase·2^attempt.
	BackoffBase time.Duration

	// MaxJitter bounds the uniform jitter added to transport error backoff.
	MaxJitter time.Duration

	// RequestTimeout bounds a single outbound request.
	RequestTimeout time.Duration

	// UserAgents is the identity pool rotated per attempt.
	UserAgents []string

	// Limiter is optional. It is required when several goroutines fetch
	// for different identifiers at once.
	Limiter Limiter
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		CooldownOnThrottle: 30 * time.Second,
		MinThinkTime:       3 * time.Second,
		BackoffBase:        1 * time.Second,
		MaxJitter:          500 * time.Millisecond,
		RequestTimeout:     30 * time.Second,
		UserAgents:         DefaultUserAgents,
	}
}

// Request describes one logical fetch.
type Request struct {
	// Endpoint is a low-cardinality label for logs and metrics (the aspect).
	Endpoint string

	// URL is the target without query parameters.
	URL string

	// Params are encoded into the query string.
	Params map[string]string

	// Kind is the expected response kind.
	Kind model.ResponseKind

	// DataPath selects the usable payload inside a JSON document.
	DataPath string
}

// Fetcher is the rate-limited upstream client. It is safe for concurrent use.
type Fetcher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a new fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.MaxAttempts)
	}
	if cfg.CooldownOnThrottle < 0 || cfg.MinThinkTime < 0 || cfg.BackoffBase < 0 || cfg.MaxJitter < 0 {
		return nil, fmt.Errorf("delays must not be negative")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}

	return &Fetcher{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		config:     cfg,
		logger:     log.With().Str("component", "fetcher").Logger(),
		sleep:      sleepCtx,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *Fetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// SetLogger replaces the component logger.
func (f *Fetcher) SetLogger(logger zerolog.Logger) {
	f.logger = logger
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config {
	return f.config
}

// attemptResult is what one outbound request produced.
type attemptResult struct {
	class  ErrorClass // empty on 2xx
	status int
	body   []byte
	err    error
}

// Fetch performs one logical fetch and always resolves to exactly one
// Outcome: Success, Empty or Fatal.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Outcome {
	start := time.Now()
	out := f.fetch(ctx, req)

	harvestFetchDuration.WithLabelValues(req.Endpoint).Observe(time.Since(start).Seconds())
	harvestFetchOutcomesTotal.WithLabelValues(req.Endpoint, out.Kind.String()).Inc()
	return out
}

func (f *Fetcher) fetch(ctx context.Context, req Request) Outcome {
	st := retryState{}

	for st.attempt = 1; st.attempt <= f.config.MaxAttempts; st.attempt++ {
		if err := ctx.Err(); err != nil {
			return f.cancelled(req, &st, st.attempt-1, err)
		}

		release := func() {}
		if f.config.Limiter != nil {
			rel, err := f.config.Limiter.Acquire(ctx)
			if err != nil {
				return f.cancelled(req, &st, st.attempt-1, err)
			}
			release = rel
		}

		res := f.do(ctx, req, st.attempt)
		release()

		if res.class == "" {
			harvestRequestsTotal.WithLabelValues(req.Endpoint, strconv.Itoa(res.status)).Inc()
			// Think-time applies to every successful response. A cancellation
			// during it does not discard the answer already received.
			_ = f.sleep(ctx, f.config.MinThinkTime)
			return f.parse(req, res, st.attempt)
		}

		harvestErrorsTotal.WithLabelValues(string(res.class)).Inc()
		if res.status > 0 {
			harvestRequestsTotal.WithLabelValues(req.Endpoint, strconv.Itoa(res.status)).Inc()
		} else {
			harvestRequestsTotal.WithLabelValues(req.Endpoint, "network_error").Inc()
		}

		if res.class == ErrorClassNetwork && ctx.Err() != nil {
			return f.cancelled(req, &st, st.attempt, ctx.Err())
		}

		st.fail(res.class, res.status, res.err)

		if !shouldRetry(res.class) {
			f.logger.Error().
				Str("endpoint", req.Endpoint).
				Str("url", req.URL).
				Int("status", res.status).
				Int("attempt", st.attempt).
				Err(res.err).
				Msg("Non-retryable upstream error")
			return Outcome{
				Kind:       OutcomeFatal,
				Attempts:   st.attempt,
				StatusCode: res.status,
				Err: &FetchError{
					Endpoint:   req.Endpoint,
					StatusCode: res.status,
					ErrorClass: res.class,
					Attempts:   st.attempt,
					Err:        fmt.Errorf("%w: %w", ErrFatalUpstream, res.err),
				},
			}
		}

		if st.attempt >= f.config.MaxAttempts {
			break
		}

		delay := f.nextDelay(res.class, st.attempt)
		if isCooldownClass(res.class) && f.config.Limiter != nil {
			if err := f.config.Limiter.MarkThrottled(ctx, delay); err != nil {
				f.logger.Warn().Err(err).Msg("Failed to share throttle state")
			}
		}

		harvestRetriesTotal.WithLabelValues(string(res.class)).Inc()
		harvestRetryBackoffSeconds.WithLabelValues(string(res.class)).Observe(delay.Seconds())

		f.logger.Warn().
			Str("endpoint", req.Endpoint).
			Str("error_class", string(res.class)).
			Int("status", res.status).
			Int("attempt", st.attempt).
			Int("max_attempts", f.config.MaxAttempts).
			Dur("backoff", delay).
			Err(res.err).
			Msg("Retrying request after backoff")

		st.totalDelay += delay
		if err := f.sleep(ctx, delay); err != nil {
			return f.cancelled(req, &st, st.attempt, err)
		}
	}

	harvestRetryExhaustedTotal.WithLabelValues(string(st.lastClass)).Inc()
	f.logger.Error().
		Str("endpoint", req.Endpoint).
		Str("url", req.URL).
		Str("error_class", string(st.lastClass)).
		Int("max_attempts", f.config.MaxAttempts).
		Dur("total_delay", st.totalDelay).
		Err(st.lastErr).
		Msg("Retry attempts exhausted")

	attempts := st.attempt
	return Outcome{
		Kind:       OutcomeFatal,
		Attempts:   attempts,
		StatusCode: st.lastStatus,
		Err: &FetchError{
			Endpoint:   req.Endpoint,
			StatusCode: st.lastStatus,
			ErrorClass: st.lastClass,
			Attempts:   attempts,
			Err:        fmt.Errorf("%w: %w", ErrRetryExhausted, st.lastErr),
		},
	}
}

// cancelled builds the fatal outcome for a context cancellation after
// attempts outbound requests.
func (f *Fetcher) cancelled(req Request, st *retryState, attempts int, cause error) Outcome {
	f.logger.Warn().
		Str("endpoint", req.Endpoint).
		Int("attempts", attempts).
		Msg("Context cancelled during fetch")

	return Outcome{
		Kind:       OutcomeFatal,
		Attempts:   attempts,
		StatusCode: st.lastStatus,
		Err: &FetchError{
			Endpoint:   req.Endpoint,
			StatusCode: st.lastStatus,
			ErrorClass: st.lastClass,
			Attempts:   attempts,
			Err:        fmt.Errorf("%w: %w", ErrContextCancelled, cause),
		},
	}
}

// do performs one outbound request and classifies the response.
func (f *Fetcher) do(ctx context.Context, req Request, attempt int) attemptResult {
	httpReq, err := buildRequest(ctx, req)
	if err != nil {
		// A malformed target can never succeed.
		return attemptResult{class: ErrorClassClient, err: err}
	}
	httpReq.Header.Set("User-Agent", pickUserAgent(f.config.UserAgents))
	if req.Kind == model.KindText {
		httpReq.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.8")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	f.logger.Debug().
		Str("endpoint", req.Endpoint).
		Str("url", httpReq.URL.String()).
		Int("attempt", attempt).
		Msg("Executing upstream request")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return attemptResult{class: ErrorClassNetwork, err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return attemptResult{class: ErrorClassNetwork, status: resp.StatusCode, err: fmt.Errorf("read body: %w", err)}
	}

	class := classifyStatus(resp.StatusCode)
	if class == "" {
		return attemptResult{status: resp.StatusCode, body: body}
	}
	return attemptResult{
		class:  class,
		status: resp.StatusCode,
		err:    fmt.Errorf("%s: %s", resp.Status, excerpt(body)),
	}
}

// classifyStatus maps an HTTP status to an error class; "" means success.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// buildRequest builds a GET request with the query parameters applied.
func buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("parse url: absolute url required")
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return httpReq, nil
}

// excerpt shortens a body for error messages.
func excerpt(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
