//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/catalog-harvester/internal/testutil"
	"github.com/Sternrassler/catalog-harvester/pkg/fetcher"
	"github.com/Sternrassler/catalog-harvester/pkg/harvest"
	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/Sternrassler/catalog-harvester/pkg/ratelimit"
	"github.com/Sternrassler/catalog-harvester/pkg/runlock"
	"github.com/Sternrassler/catalog-harvester/pkg/storage/mongostore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: endpoint})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// setupMongo creates a MongoDB container and returns a connected store.
func setupMongo(t *testing.T) (*mongostore.Store, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start MongoDB container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get MongoDB endpoint: %v", err)
	}

	store, err := mongostore.Connect(ctx, mongostore.Config{
		URI:      fmt.Sprintf("mongodb://%s", endpoint),
		Database: "harvester_e2e",
		Timeout:  20 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		container.Terminate(ctx)
	}

	return store, cleanup
}

func serveUpstream(mock *testutil.MockUpstream) {
	mock.SetResponse("/catalog", testutil.NewJSONResponse(
		`{"applist": {"apps": [{"appid": 10, "name": "Alpha"}, {"appid": 20, "name": "Beta"}, {"appid": 30, "name": "Gamma Playtest"}]}}`))

	mock.SetResponse("/details", testutil.NewJSONResponse(`{"10": {"success": true, "data": {"name": "Alpha"}}}`))
	mock.SetResponse("/tags/10", testutil.NewJSONResponse(`{"tags": {"Indie": 40}}`))
	mock.SetResponse("/tags/20", testutil.NewJSONResponse(`{"tags": {"RPG": 12}}`))
	mock.SetResponse("/reviews/10", testutil.NewJSONResponse(`{"query_summary": {"total_reviews": 3}}`))
	// 20 is throttled once before answering.
	mock.SetScript("/reviews/20",
		testutil.NewRateLimitResponse(),
		testutil.NewJSONResponse(`{"query_summary": {"total_reviews": 9}}`))
}

func aspects(baseURL string) []model.AspectSpec {
	return []model.AspectSpec{
		{Name: model.AspectDetail, URL: baseURL + "/details", Params: map[string]string{"appids": "{id}"}, Kind: model.KindJSON, DataPath: "{id}.data", RecordEmpty: true},
		{Name: model.AspectTags, URL: baseURL + "/tags/{id}", Kind: model.KindJSON, DataPath: "tags"},
		{Name: model.AspectReviews, URL: baseURL + "/reviews/{id}", Kind: model.KindJSON, DataPath: "query_summary"},
	}
}

// TestFullHarvestFlow runs the catalog refresh, batch selection, fetching and
// storage against MongoDB with a Redis backed limiter and run lock.
func TestFullHarvestFlow(t *testing.T) {
	redisClient, cleanupRedis := setupRedis(t)
	defer cleanupRedis()
	store, cleanupMongo := setupMongo(t)
	defer cleanupMongo()

	mock := testutil.NewMockUpstream()
	defer mock.Close()
	serveUpstream(mock)

	ctx := context.Background()
	tracker := ratelimit.NewTracker(redisClient, ratelimit.Config{RequestsPerSecond: 50, Burst: 2}, zerolog.Nop())

	fcfg := fetcher.DefaultConfig()
	fcfg.MinThinkTime = 0
	fcfg.CooldownOnThrottle = 50 * time.Millisecond
	fcfg.MaxAttempts = 3
	fcfg.Limiter = tracker
	f, err := fetcher.New(fcfg)
	if err != nil {
		t.Fatalf("fetcher.New() error = %v", err)
	}

	cfg := harvest.DefaultConfig(aspects(mock.URL()))
	cfg.Workers = 2
	cfg.Catalog = &model.CatalogSpec{URL: mock.URL() + "/catalog"}
	runner, err := harvest.New(cfg, f, store)
	if err != nil {
		t.Fatalf("harvest.New() error = %v", err)
	}

	lock := runlock.New(redisClient, "", time.Minute, zerolog.Nop())
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	// First run: catalog inserted, playtest excluded, detail for 20 is empty.
	report := runner.Run(ctx)
	if report.Err != nil {
		t.Fatalf("first run error = %v", report.Err)
	}
	if report.Catalog == nil || report.Catalog.Inserted != 3 {
		t.Errorf("Catalog = %+v, want 3 inserted", report.Catalog)
	}
	if report.BatchSize != 2 {
		t.Errorf("BatchSize = %d, want 2", report.BatchSize)
	}
	want := harvest.Totals{Processed: 2, Stored: 5, Empty: 1}
	if report.Totals != want {
		t.Errorf("Totals = %+v, want %+v", report.Totals, want)
	}

	tries, err := store.EmptyAttempts(ctx)
	if err != nil {
		t.Fatalf("EmptyAttempts() error = %v", err)
	}
	if tries["20"] != 1 {
		t.Errorf("EmptyAttempts()[20] = %d, want 1", tries["20"])
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.ThrottleCount < 1 {
		t.Errorf("ThrottleCount = %d, want >= 1", state.ThrottleCount)
	}

	// Second run: everything is covered, so the fallback revisits and finds
	// identical payloads.
	report = runner.Run(ctx)
	if report.Err != nil {
		t.Fatalf("second run error = %v", report.Err)
	}
	if report.Totals.Stored != 0 || report.Totals.Unchanged != 5 {
		t.Errorf("second run Totals = %+v, want 5 unchanged", report.Totals)
	}

	if err := lock.Release(ctx); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}
