package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/catalog-harvester/internal/testutil"
	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/rs/zerolog"
)

// sleepRecorder replaces real sleeping and records every requested pause.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	if r.err != nil {
		return r.err
	}
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// fakeLimiter counts gate calls, releases and throttle reports.
type fakeLimiter struct {
	mu        sync.Mutex
	waits     int
	releases  int
	throttles []time.Duration
}

func (l *fakeLimiter) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.waits++
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.releases++
		l.mu.Unlock()
	}, nil
}

func (l *fakeLimiter) Bounded() bool { return true }

func (l *fakeLimiter) MarkThrottled(_ context.Context, cooldown time.Duration) error {
	l.mu.Lock()
	l.throttles = append(l.throttles, cooldown)
	l.mu.Unlock()
	return nil
}

// roundTripFunc lets a test fail requests at the transport level.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (fn roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return fn(r)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newTestFetcher(t *testing.T, cfg Config) (*Fetcher, *sleepRecorder) {
	t.Helper()
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.SetLogger(zerolog.Nop())
	rec := &sleepRecorder{}
	f.sleep = rec.sleep
	return f, rec
}

func jsonRequest(url string) Request {
	return Request{Endpoint: "detail", URL: url, Kind: model.KindJSON}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero attempts", Config{MaxAttempts: 0}, true},
		{"negative cooldown", Config{MaxAttempts: 1, CooldownOnThrottle: -time.Second}, true},
		{"negative think time", Config{MaxAttempts: 1, MinThinkTime: -time.Second}, true},
		{"single attempt", Config{MaxAttempts: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(f.Config().UserAgents) == 0 {
				t.Error("New() should fill the default user agent pool")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.CooldownOnThrottle != 30*time.Second {
		t.Errorf("CooldownOnThrottle = %v, want 30s", cfg.CooldownOnThrottle)
	}
	if cfg.MinThinkTime != 3*time.Second {
		t.Errorf("MinThinkTime = %v, want 3s", cfg.MinThinkTime)
	}
	if len(cfg.UserAgents) != len(DefaultUserAgents) {
		t.Errorf("UserAgents = %d entries, want %d", len(cfg.UserAgents), len(DefaultUserAgents))
	}
}

func TestFetchSuccessAppliesThinkTime(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/app", testutil.NewJSONResponse(`{"name": "Portal"}`))

	f, rec := newTestFetcher(t, DefaultConfig())
	out := f.Fetch(context.Background(), jsonRequest(mock.URL()+"/app"))

	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %v, want success (err: %v)", out.Kind, out.Err)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
	if out.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", out.StatusCode)
	}
	if out.Payload.Data["name"] != "Portal" {
		t.Errorf("Payload.Data[name] = %v, want Portal", out.Payload.Data["name"])
	}
	delays := rec.recorded()
	if len(delays) != 1 || delays[0] != 3*time.Second {
		t.Errorf("delays = %v, want [3s]", delays)
	}
}

func TestFetchThrottledThenSuccess(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetScript("/app",
		testutil.NewRateLimitResponse(),
		testutil.NewRateLimitResponse(),
		testutil.NewJSONResponse(`{"name": "Portal"}`),
	)

	limiter := &fakeLimiter{}
	cfg := DefaultConfig()
	cfg.Limiter = limiter
	f, rec := newTestFetcher(t, cfg)

	out := f.Fetch(context.Background(), jsonRequest(mock.URL()+"/app"))

	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %v, want success (err: %v)", out.Kind, out.Err)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	if got := mock.GetRequestCount(); got != 3 {
		t.Errorf("RequestCount = %d, want 3", got)
	}

	want := []time.Duration{30 * time.Second, 30 * time.Second, 3 * time.Second}
	delays := rec.recorded()
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	if limiter.releases != limiter.waits {
		t.Errorf("limiter releases = %d, want %d", limiter.releases, limiter.waits)
	}
	if limiter.waits != 3 {
		t.Errorf("limiter waits = %d, want 3", limiter.waits)
	}
	if len(limiter.throttles) != 2 || limiter.throttles[0] != 30*time.Second {
		t.Errorf("limiter throttles = %v, want two 30s cooldowns", limiter.throttles)
	}
}

func TestFetchServerErrorUsesCooldown(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetScript("/app",
		testutil.NewServerErrorResponse(),
		testutil.NewJSONResponse(`{"ok": true}`),
	)

	f, rec := newTestFetcher(t, DefaultConfig())
	out := f.Fetch(context.Background(), jsonRequest(mock.URL()+"/app"))

	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %v, want success", out.Kind)
	}
	if delays := rec.recorded(); len(delays) == 0 || delays[0] != 30*time.Second {
		t.Errorf("delays = %v, want 30s cooldown first", delays)
	}
}

func TestFetchNotFoundIsFatal(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/app", testutil.NewNotFoundResponse())

	f, rec := newTestFetcher(t, DefaultConfig())
	out := f.Fetch(context.Background(), jsonRequest(mock.URL()+"/app"))

	if out.Kind != OutcomeFatal {
		t.Fatalf("Kind = %v, want fatal", out.Kind)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("RequestCount = %d, want 1", got)
	}
	if !errors.Is(out.Err, ErrFatalUpstream) {
		t.Errorf("Err = %v, want ErrFatalUpstream", out.Err)
	}
	var fe *FetchError
	if !errors.As(out.Err, &fe) {
		t.Fatalf("Err = %T, want *FetchError", out.Err)
	}
	if fe.StatusCode != http.StatusNotFound || fe.ErrorClass != ErrorClassClient {
		t.Errorf("FetchError = %+v, want 404/client", fe)
	}
	if delays := rec.recorded(); len(delays) != 0 {
		t.Errorf("delays = %v, want none", delays)
	}
}

func TestFetchTimeoutExhaustsAttempts(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	cfg := DefaultConfig()
	f, rec := newTestFetcher(t, cfg)
	f.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, timeoutError{}
	})})

	out := f.Fetch(context.Background(), jsonRequest("http://upstream.invalid/app"))

	if out.Kind != OutcomeFatal {
		t.Fatalf("Kind = %v, want fatal", out.Kind)
	}
	if calls != cfg.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, cfg.MaxAttempts)
	}
	if out.Attempts != cfg.MaxAttempts {
		t.Errorf("Attempts = %d, want %d", out.Attempts, cfg.MaxAttempts)
	}
	if !errors.Is(out.Err, ErrRetryExhausted) {
		t.Errorf("Err = %v, want ErrRetryExhausted", out.Err)
	}

	delays := rec.recorded()
	if len(delays) != cfg.MaxAttempts-1 {
		t.Fatalf("delays = %v, want %d pauses", delays, cfg.MaxAttempts-1)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delays not strictly increasing: %v", delays)
		}
	}
}

func TestFetchSingleAttemptDoesNotSleep(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/app", testutil.NewRateLimitResponse())

	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	f, rec := newTestFetcher(t, cfg)
	out := f.Fetch(context.Background(), jsonRequest(mock.URL()+"/app"))

	if out.Kind != OutcomeFatal || !errors.Is(out.Err, ErrRetryExhausted) {
		t.Errorf("Outcome = %v/%v, want fatal ErrRetryExhausted", out.Kind, out.Err)
	}
	if delays := rec.recorded(); len(delays) != 0 {
		t.Errorf("delays = %v, want none after the final attempt", delays)
	}
}

func TestFetchCancelledBeforeStart(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f, _ := newTestFetcher(t, DefaultConfig())
	out := f.Fetch(ctx, jsonRequest(mock.URL()+"/app"))

	if out.Kind != OutcomeFatal {
		t.Fatalf("Kind = %v, want fatal", out.Kind)
	}
	if !errors.Is(out.Err, ErrContextCancelled) {
		t.Errorf("Err = %v, want ErrContextCancelled", out.Err)
	}
	if out.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", out.Attempts)
	}
	if got := mock.GetRequestCount(); got != 0 {
		t.Errorf("RequestCount = %d, want 0", got)
	}
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/app", testutil.NewRateLimitResponse())

	f, rec := newTestFetcher(t, DefaultConfig())
	rec.err = context.Canceled

	out := f.Fetch(context.Background(), jsonRequest(mock.URL()+"/app"))

	if !errors.Is(out.Err, ErrContextCancelled) {
		t.Errorf("Err = %v, want ErrContextCancelled", out.Err)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("RequestCount = %d, want 1", got)
	}
}

func TestFetchRotatesUserAgents(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/app", testutil.NewJSONResponse(`{"ok": true}`))

	pool := []string{"agent-a", "agent-b"}
	cfg := DefaultConfig()
	cfg.UserAgents = pool
	f, _ := newTestFetcher(t, cfg)

	for i := 0; i < 40; i++ {
		f.Fetch(context.Background(), jsonRequest(mock.URL()+"/app"))
	}

	seen := map[string]int{}
	for _, ua := range mock.GetUserAgents() {
		seen[ua]++
	}
	for ua := range seen {
		if ua != "agent-a" && ua != "agent-b" {
			t.Errorf("unexpected User-Agent %q", ua)
		}
	}
	// 40 draws from two agents all landing on one has probability 2^-39.
	if len(seen) != 2 {
		t.Errorf("seen agents = %v, want both pool entries", seen)
	}
}

func TestFetchEncodesParams(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/appdetails", testutil.NewJSONResponse(`{"ok": true}`))

	f, _ := newTestFetcher(t, DefaultConfig())
	req := jsonRequest(mock.URL() + "/appdetails")
	req.Params = map[string]string{"appids": "570", "l": "english"}
	f.Fetch(context.Background(), req)

	queries := mock.GetQueries("/appdetails")
	if len(queries) != 1 {
		t.Fatalf("queries = %v, want 1", queries)
	}
	if !strings.Contains(queries[0], "appids=570") || !strings.Contains(queries[0], "l=english") {
		t.Errorf("query = %q, want appids and l", queries[0])
	}
}

func TestFetchInvalidURLIsFatal(t *testing.T) {
	f, _ := newTestFetcher(t, DefaultConfig())
	out := f.Fetch(context.Background(), jsonRequest("/relative/path"))

	if out.Kind != OutcomeFatal || !errors.Is(out.Err, ErrFatalUpstream) {
		t.Errorf("Outcome = %v/%v, want fatal ErrFatalUpstream", out.Kind, out.Err)
	}
}

func TestFetchParsesPayloads(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		kind     model.ResponseKind
		dataPath string
		wantKind OutcomeKind
		check    func(t *testing.T, p model.Payload)
	}{
		{
			name:     "object at data path",
			body:     `{"570": {"success": true, "data": {"name": "Dota 2", "price": 0}}}`,
			dataPath: "570.data",
			wantKind: OutcomeSuccess,
			check: func(t *testing.T, p model.Payload) {
				if p.Data["name"] != "Dota 2" {
					t.Errorf("name = %v, want Dota 2", p.Data["name"])
				}
				if n, ok := p.Data["price"].(json.Number); !ok || n.String() != "0" {
					t.Errorf("price = %#v, want json.Number 0", p.Data["price"])
				}
			},
		},
		{
			name:     "missing data path",
			body:     `{"570": {"success": false}}`,
			dataPath: "570.data",
			wantKind: OutcomeEmpty,
		},
		{
			name:     "false at data path",
			body:     `{"success": false}`,
			dataPath: "success",
			wantKind: OutcomeEmpty,
		},
		{
			name:     "empty object",
			body:     `{}`,
			wantKind: OutcomeEmpty,
		},
		{
			name:     "null",
			body:     `null`,
			wantKind: OutcomeEmpty,
		},
		{
			name:     "invalid json",
			body:     `<html>maintenance</html>`,
			wantKind: OutcomeEmpty,
		},
		{
			name:     "trailing garbage",
			body:     `{"a": 1} {"b": 2}`,
			wantKind: OutcomeEmpty,
		},
		{
			name:     "array is wrapped",
			body:     `{"tags": [{"name": "RPG"}]}`,
			dataPath: "tags",
			wantKind: OutcomeSuccess,
			check: func(t *testing.T, p model.Payload) {
				items, ok := p.Data["items"].([]any)
				if !ok || len(items) != 1 {
					t.Errorf("items = %#v, want one entry", p.Data["items"])
				}
			},
		},
		{
			name:     "empty array",
			body:     `{"tags": []}`,
			dataPath: "tags",
			wantKind: OutcomeEmpty,
		},
		{
			name:     "scalar is wrapped",
			body:     `{"query_summary": {"total": 42}}`,
			dataPath: "query_summary.total",
			wantKind: OutcomeSuccess,
			check: func(t *testing.T, p model.Payload) {
				if n, ok := p.Data["value"].(json.Number); !ok || n.String() != "42" {
					t.Errorf("value = %#v, want 42", p.Data["value"])
				}
			},
		},
		{
			name:     "text body",
			body:     `<div class="app_tag">RPG</div>`,
			kind:     model.KindText,
			wantKind: OutcomeSuccess,
			check: func(t *testing.T, p model.Payload) {
				if p.Kind != model.KindText || !strings.Contains(p.Text, "RPG") {
					t.Errorf("payload = %+v, want text with RPG", p)
				}
			},
		},
		{
			name:     "blank text body",
			body:     "  \n ",
			kind:     model.KindText,
			wantKind: OutcomeEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockUpstream()
			defer mock.Close()
			mock.SetResponse("/x", testutil.MockResponse{StatusCode: http.StatusOK, Body: tt.body})

			f, rec := newTestFetcher(t, DefaultConfig())
			req := jsonRequest(mock.URL() + "/x")
			if tt.kind != "" {
				req.Kind = tt.kind
			}
			req.DataPath = tt.dataPath

			out := f.Fetch(context.Background(), req)
			if out.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", out.Kind, tt.wantKind)
			}
			if out.Err != nil {
				t.Errorf("Err = %v, want nil", out.Err)
			}
			if delays := rec.recorded(); len(delays) != 1 {
				t.Errorf("delays = %v, want think-time once", delays)
			}
			if tt.check != nil {
				tt.check(t, out.Payload)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	doc := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": "deep"}},
		"x": "leaf",
	}

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"a.b.c", "deep", true},
		{"x", "leaf", true},
		{"x.y", nil, false},
		{"missing", nil, false},
		{"a.missing", nil, false},
	}

	for _, tt := range tests {
		got, ok := Lookup(doc, tt.path)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("Lookup(%q) = %v, %v, want %v, %v", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}

	if got, ok := Lookup(doc, ""); !ok || got == nil {
		t.Error("Lookup(\"\") should return the document")
	}
}
