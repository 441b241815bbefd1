package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/agentic-crm/memstack/internal/memory/episodic"
	"github.com/agentic-crm/memstack/internal/memory/longterm"
	"github.com/agentic-crm/memstack/internal/memory/semantic"
	"github.com/agentic-crm/memstack/internal/memory/shortterm"
)

type fixture struct {
	coord *Coordinator
	short *shortterm.MemoryStore
	long  *longterm.Store
	epi   *episodic.Store
	graph *semantic.Store
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	short := shortterm.NewMemoryStore()
	long := longterm.New(ctx, "", 0, 0, nil)
	epi, err := episodic.New(episodic.NewHashEmbedder(64), 0.8, nil)
	if err != nil {
		t.Fatalf("episodic.New: %v", err)
	}
	graph := semantic.NewEmpty(nil)
	coord, err := New(short, long, epi, graph, opts, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{coord: coord, short: short, long: long, epi: epi, graph: graph}
}

func TestConsolidationExactlyOncePerThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ConsolidationThreshold: 5})

	for i := 0; i < 4; i++ {
		if err := f.coord.StoreShortTerm(ctx, "conv-1", "lead-1",
			map[string]any{"preferred_channel": "email", "source": "webinar"}, 0); err != nil {
			t.Fatalf("StoreShortTerm %d: %v", i, err)
		}
	}
	if _, found, _ := f.coord.GetLongTerm(ctx, "lead-1"); found {
		t.Fatal("profile must not exist before threshold")
	}

	// Fifth write crosses the threshold: exactly one long-term write.
	if err := f.coord.StoreShortTerm(ctx, "conv-1", "lead-1", nil, 0); err != nil {
		t.Fatalf("StoreShortTerm: %v", err)
	}
	profile, found, err := f.coord.GetLongTerm(ctx, "lead-1")
	if err != nil || !found {
		t.Fatalf("GetLongTerm: found=%v err=%v", found, err)
	}
	if len(profile.InteractionHistory) != 1 {
		t.Fatalf("expected exactly one consolidated record, got %d", len(profile.InteractionHistory))
	}
	rec := profile.InteractionHistory[0]
	if rec.ConversationID != "conv-1" || rec.InteractionCount != 5 {
		t.Fatalf("unexpected consolidated record: %+v", rec)
	}
	if rec.ContextSummary != "Source: webinar" {
		t.Fatalf("unexpected summary: %q", rec.ContextSummary)
	}
	if profile.Preferences["communication_channel"] != "email" {
		t.Fatalf("preference not extracted: %v", profile.Preferences)
	}

	// Writes 6 through 9 stay below the next crossing.
	for i := 0; i < 4; i++ {
		_ = f.coord.StoreShortTerm(ctx, "conv-1", "lead-1", nil, 0)
	}
	profile, _, _ = f.coord.GetLongTerm(ctx, "lead-1")
	if len(profile.InteractionHistory) != 1 {
		t.Fatalf("expected no repeated consolidation, got %d records", len(profile.InteractionHistory))
	}

	// The tenth write is the second crossing.
	_ = f.coord.StoreShortTerm(ctx, "conv-1", "lead-1", nil, 0)
	profile, _, _ = f.coord.GetLongTerm(ctx, "lead-1")
	if len(profile.InteractionHistory) != 2 {
		t.Fatalf("expected second consolidation at 2x threshold, got %d records", len(profile.InteractionHistory))
	}
}

func TestShortTermRoundTripAndCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	if err := f.coord.StoreShortTerm(ctx, "conv-1", "lead-1", map[string]any{"topic": "pricing"}, time.Minute); err != nil {
		t.Fatalf("StoreShortTerm: %v", err)
	}
	conv, found, err := f.coord.GetShortTerm(ctx, "conv-1")
	if err != nil || !found {
		t.Fatalf("GetShortTerm: found=%v err=%v", found, err)
	}
	if conv.LeadID != "lead-1" || conv.InteractionCount != 1 || conv.Context["topic"] != "pricing" {
		t.Fatalf("unexpected context: %+v", conv)
	}

	if err := f.coord.UpdateShortTerm(ctx, "conv-1", map[string]any{"budget": "10k"}); err != nil {
		t.Fatalf("UpdateShortTerm: %v", err)
	}
	conv, _, _ = f.coord.GetShortTerm(ctx, "conv-1")
	if conv.InteractionCount != 2 {
		t.Fatalf("interaction count must be monotone, got %d", conv.InteractionCount)
	}
	if conv.Context["topic"] != "pricing" || conv.Context["budget"] != "10k" {
		t.Fatalf("updates must merge, got %v", conv.Context)
	}

	if deleted, _ := f.coord.DeleteShortTerm(ctx, "conv-1"); !deleted {
		t.Fatal("expected delete to report prior existence")
	}
	if _, found, _ := f.coord.GetShortTerm(ctx, "conv-1"); found {
		t.Fatal("conversation must be gone after delete")
	}
}

func TestUpdateShortTermAbsent(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.coord.UpdateShortTerm(context.Background(), "ghost", map[string]any{"k": "v"})
	if err == nil {
		t.Fatal("expected error for absent conversation")
	}
}

func TestRFMScore(t *testing.T) {
	now := time.Now().UTC()
	if got := rfmScore(nil, now); got != 0.0 {
		t.Fatalf("empty history must score 0.0, got %v", got)
	}
	// One interaction today: recency 1.0, frequency 0.1, monetary 0.5.
	history := []longterm.InteractionRecord{{ConversationID: "c", Timestamp: now}}
	if got := rfmScore(history, now); got != 0.533 {
		t.Fatalf("expected 0.533, got %v", got)
	}
	// 30+ days old: recency clamps to 0.
	stale := []longterm.InteractionRecord{{Timestamp: now.Add(-45 * 24 * time.Hour)}}
	if got := rfmScore(stale, now); got != 0.2 {
		t.Fatalf("expected 0.2 for stale history, got %v", got)
	}
}

func TestEpisodicSuccessGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{SuccessThreshold: 0.8})

	accepted, err := f.coord.StoreEpisode(ctx, episodic.Episode{
		EpisodeID: "low", Scenario: "demo", OutcomeScore: 0.5, ActionSequence: []string{"call"},
	})
	if err != nil {
		t.Fatalf("StoreEpisode: %v", err)
	}
	if accepted {
		t.Fatal("below-threshold episode must be rejected")
	}
	results, err := f.coord.SearchEpisodes(ctx, map[string]any{"scenario": "demo"}, "", 5)
	if err != nil {
		t.Fatalf("SearchEpisodes: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("rejected episode must not be retrievable, got %v", results)
	}

	accepted, err = f.coord.StoreEpisode(ctx, episodic.Episode{
		EpisodeID: "high", Scenario: "demo", OutcomeScore: 0.9, ActionSequence: []string{"call"},
	})
	if err != nil || !accepted {
		t.Fatalf("expected acceptance: accepted=%v err=%v", accepted, err)
	}
	results, _ = f.coord.SearchEpisodes(ctx, map[string]any{"scenario": "demo"}, "", 5)
	if len(results) != 1 || results[0].EpisodeID != "high" {
		t.Fatalf("expected stored episode back, got %v", results)
	}
}

func TestMaintenanceForceConsolidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ConsolidationThreshold: 5})

	// An entry written during an outage can sit above threshold without a
	// consolidation mark; the cycle must promote it exactly once.
	conv := ConversationContext{
		ConversationID:   "conv-1",
		LeadID:           "lead-1",
		Context:          map[string]any{"interests": "pricing"},
		InteractionCount: 7,
		LastUpdated:      time.Now().UTC(),
	}
	if err := f.short.Store(ctx, "conv-1", encodeConversation(conv, 0), time.Hour); err != nil {
		t.Fatalf("seed short-term: %v", err)
	}

	if err := f.coord.MaintenanceCycle(ctx); err != nil {
		t.Fatalf("MaintenanceCycle: %v", err)
	}
	profile, found, _ := f.coord.GetLongTerm(ctx, "lead-1")
	if !found || len(profile.InteractionHistory) != 1 {
		t.Fatalf("expected one consolidation, found=%v profile=%+v", found, profile)
	}
	if profile.Preferences["interests"] != "pricing" {
		t.Fatalf("preference not extracted: %v", profile.Preferences)
	}

	// A second cycle sees the advanced watermark and stays idle.
	if err := f.coord.MaintenanceCycle(ctx); err != nil {
		t.Fatalf("MaintenanceCycle: %v", err)
	}
	profile, _, _ = f.coord.GetLongTerm(ctx, "lead-1")
	if len(profile.InteractionHistory) != 1 {
		t.Fatalf("watermark must prevent re-promotion, got %d records", len(profile.InteractionHistory))
	}
}

func TestMaintenanceMinesRelationships(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{SuccessThreshold: 0.8, MiningLimit: 10})

	_, err := f.coord.StoreEpisode(ctx, episodic.Episode{
		EpisodeID:      "e1",
		Scenario:       "lead_qualification",
		OutcomeScore:   0.9,
		ActionSequence: []string{"qualify", "schedule_demo"},
		Context:        map[string]any{"lead_source": "webinar", "outcome": "converted"},
	})
	if err != nil {
		t.Fatalf("StoreEpisode: %v", err)
	}

	if err := f.coord.MaintenanceCycle(ctx); err != nil {
		t.Fatalf("MaintenanceCycle: %v", err)
	}

	got := f.graph.QueryTriples(ctx, "webinar", "related_to", "converted")
	if len(got) != 1 || got[0].Weight != 0.9 || got[0].Source != "episodic_learning" {
		t.Fatalf("unexpected source/outcome edge: %v", got)
	}
	for _, action := range []string{"qualify", "schedule_demo"} {
		if got := f.graph.QueryTriples(ctx, "lead_qualification", "related_to", action); len(got) != 1 {
			t.Fatalf("missing scenario edge to %s", action)
		}
	}

	// Re-mining upserts rather than duplicating.
	if err := f.coord.MaintenanceCycle(ctx); err != nil {
		t.Fatalf("MaintenanceCycle: %v", err)
	}
	if got := f.graph.QueryTriples(ctx, "webinar", "related_to", "converted"); len(got) != 1 {
		t.Fatalf("mining must upsert, got %d edges", len(got))
	}
}

func TestMaintenanceSweepsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	if err := f.coord.StoreShortTerm(ctx, "conv-1", "lead-1", nil, time.Nanosecond); err != nil {
		t.Fatalf("StoreShortTerm: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := f.coord.MaintenanceCycle(ctx); err != nil {
		t.Fatalf("MaintenanceCycle: %v", err)
	}
	if st := f.short.Status(ctx); st.Entries != 0 {
		t.Fatalf("expected swept store, %d entries remain", st.Entries)
	}
}

func TestRunMaintenanceStopsOnCancel(t *testing.T) {
	f := newFixture(t, Options{MaintenanceInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.coord.RunMaintenance(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance loop did not stop on cancellation")
	}
}

func TestStoreLongTermComputesRFM(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	now := time.Now().UTC()
	err := f.coord.StoreLongTerm(ctx, "lead-1",
		map[string]any{"communication_channel": "sms"},
		[]longterm.InteractionRecord{{ConversationID: "c1", Timestamp: now}})
	if err != nil {
		t.Fatalf("StoreLongTerm: %v", err)
	}
	profile, found, _ := f.coord.GetLongTerm(ctx, "lead-1")
	if !found {
		t.Fatal("expected profile")
	}
	if profile.RFMScore != 0.533 {
		t.Fatalf("expected rfm 0.533, got %v", profile.RFMScore)
	}
}

func TestMemoryStatusReportsAllTiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	report := f.coord.MemoryStatus(ctx)
	if report.ShortTerm.Type != "in_memory" {
		t.Fatalf("unexpected short-term status: %+v", report.ShortTerm)
	}
	// No DSN configured: long-term serves from its shadow and must say so.
	if !report.LongTerm.Degraded {
		t.Fatal("expected degraded long-term tier")
	}
	if report.Episodic.EmbeddingModel == "" {
		t.Fatalf("expected embedding model in status: %+v", report.Episodic)
	}
	if report.Semantic.Type != "in_memory_graph" {
		t.Fatalf("unexpected semantic status: %+v", report.Semantic)
	}
}

func TestSummarizeContext(t *testing.T) {
	got := summarizeContext(map[string]any{"source": "web", "type": "inquiry", "outcome": "qualified"})
	want := "Source: web | Type: inquiry | Outcome: qualified"
	if got != want {
		t.Fatalf("summary = %q, want %q", got, want)
	}
	if got := summarizeContext(map[string]any{"unrelated": 1}); got != "General interaction" {
		t.Fatalf("fallback summary = %q", got)
	}
}
