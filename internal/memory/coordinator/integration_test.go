package coordinator_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentic-crm/memstack/internal/memory/coordinator"
	"github.com/agentic-crm/memstack/internal/memory/episodic"
	"github.com/agentic-crm/memstack/internal/memory/longterm"
	"github.com/agentic-crm/memstack/internal/memory/semantic"
	"github.com/agentic-crm/memstack/internal/memory/shortterm"
)

// TestCoordinatorAgainstRealBackends exercises the full stack against
// containerized Redis and Postgres.
func TestCoordinatorAgainstRealBackends(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("memstack"),
		tcPostgres.WithUsername("memstack"),
		tcPostgres.WithPassword("memstack"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://memstack:memstack@%s:%s/memstack?sslmode=disable", pgHost, pgPort.Port())

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	short, err := shortterm.NewRedisStore(ctx,
		fmt.Sprintf("%s:%s", redisHost, redisPort.Port()), "", 0,
		2*time.Second, 2*time.Second, nil)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	long := longterm.New(ctx, dsn, 5*time.Second, 0, nil)
	defer long.Close()

	epi, err := episodic.New(episodic.NewHashEmbedder(64), 0.8, nil)
	if err != nil {
		t.Fatalf("episodic store: %v", err)
	}
	coord, err := coordinator.New(short, long, epi, semantic.New(nil),
		coordinator.Options{ConsolidationThreshold: 3}, nil, nil)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	// Healthy backends report no degradation.
	status := coord.MemoryStatus(ctx)
	if status.ShortTerm.Degraded || status.LongTerm.Degraded {
		t.Fatalf("unexpected degraded status: %+v", status)
	}

	// Short-term round trip through Redis.
	if err := coord.StoreShortTerm(ctx, "conv-1", "lead-1",
		map[string]any{"preferred_channel": "email"}, time.Minute); err != nil {
		t.Fatalf("StoreShortTerm: %v", err)
	}
	conv, found, err := coord.GetShortTerm(ctx, "conv-1")
	if err != nil || !found {
		t.Fatalf("GetShortTerm: found=%v err=%v", found, err)
	}
	if conv.Context["preferred_channel"] != "email" {
		t.Fatalf("unexpected context: %v", conv.Context)
	}

	// Two more writes cross the threshold and consolidate into Postgres.
	for i := 0; i < 2; i++ {
		if err := coord.StoreShortTerm(ctx, "conv-1", "lead-1", nil, time.Minute); err != nil {
			t.Fatalf("StoreShortTerm: %v", err)
		}
	}
	profile, found, err := coord.GetLongTerm(ctx, "lead-1")
	if err != nil || !found {
		t.Fatalf("GetLongTerm after consolidation: found=%v err=%v", found, err)
	}
	if profile.Preferences["communication_channel"] != "email" {
		t.Fatalf("preference not consolidated: %v", profile.Preferences)
	}
	if len(profile.InteractionHistory) != 1 {
		t.Fatalf("expected one consolidated record, got %d", len(profile.InteractionHistory))
	}

	// Action log and aggregates hit the real database.
	if err := coord.LogAgentAction(ctx, longterm.ActionLogEntry{
		ActionID:   "a1",
		AgentType:  "engagement",
		ActionType: "outreach",
		Result:     map[string]any{"converted": true, "deal_size": 2500.0},
	}); err != nil {
		t.Fatalf("LogAgentAction: %v", err)
	}
	stats, found, err := coord.HistoricalPerformance(ctx, map[string]any{"agent_type": "engagement"})
	if err != nil || !found {
		t.Fatalf("HistoricalPerformance: found=%v err=%v", found, err)
	}
	if stats.SampleSize != 1 || stats.ConversionRate != 1.0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
