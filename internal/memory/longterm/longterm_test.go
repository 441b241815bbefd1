package longterm

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

const (
	selectProfileQuery = `
SELECT lead_id, preferences, interaction_history, rfm_score, created_at, last_updated
FROM customer_profiles WHERE lead_id = $1`
	upsertProfileQuery = `
INSERT INTO customer_profiles (lead_id, preferences, interaction_history, rfm_score, created_at, last_updated)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (lead_id) DO UPDATE SET
  preferences = EXCLUDED.preferences,
  interaction_history = EXCLUDED.interaction_history,
  rfm_score = EXCLUDED.rfm_score,
  last_updated = EXCLUDED.last_updated`
)

func TestUpsertProfileCreates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewWithDB(db, 0, nil)

	mock.ExpectQuery(regexp.QuoteMeta(selectProfileQuery)).
		WithArgs("lead-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(upsertProfileQuery)).
		WithArgs("lead-1",
			[]byte(`{"communication_channel":"email"}`),
			[]byte(`[{"conversation_id":"conv-1","interaction_count":5,"context_summary":"Source: web","timestamp":"2026-01-02T00:00:00Z"}]`),
			0.533, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ts := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	err = st.UpsertProfile(context.Background(), "lead-1",
		map[string]any{"communication_channel": "email"},
		[]InteractionRecord{{ConversationID: "conv-1", InteractionCount: 5, ContextSummary: "Source: web", Timestamp: ts}},
		0.533)
	if err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertProfileMergesPreferences(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewWithDB(db, 0, nil)

	created := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"lead_id", "preferences", "interaction_history", "rfm_score", "created_at", "last_updated"}).
		AddRow("lead-1", []byte(`{"communication_channel":"sms","contact_time":"morning"}`), []byte(`[]`), 0.4, created, created)
	mock.ExpectQuery(regexp.QuoteMeta(selectProfileQuery)).WithArgs("lead-1").WillReturnRows(rows)

	// Last write wins per key; untouched keys survive.
	mock.ExpectExec(regexp.QuoteMeta(upsertProfileQuery)).
		WithArgs("lead-1",
			[]byte(`{"communication_channel":"email","contact_time":"morning"}`),
			[]byte(`[]`),
			0.6, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.UpsertProfile(context.Background(), "lead-1",
		map[string]any{"communication_channel": "email"}, nil, 0.6)
	if err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetProfileAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewWithDB(db, 0, nil)

	mock.ExpectQuery(regexp.QuoteMeta(selectProfileQuery)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	p, found, err := st.GetProfile(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if found || p != nil {
		t.Fatal("expected absent profile")
	}
}

func TestUpsertProfileRejectsEmptyLead(t *testing.T) {
	st := New(context.Background(), "", 0, 0, nil)
	if err := st.UpsertProfile(context.Background(), "", nil, nil, 0); err == nil {
		t.Fatal("expected validation error for empty lead_id")
	}
}

func TestShadowStoreServesWhenDatabaseMissing(t *testing.T) {
	ctx := context.Background()
	st := New(ctx, "", 0, 3, nil)

	if status := st.Status(ctx); !status.Degraded {
		t.Fatal("expected degraded status without a database")
	}

	if err := st.UpsertProfile(ctx, "lead-1", map[string]any{"interests": "pricing"}, []InteractionRecord{
		{ConversationID: "c1", Timestamp: time.Now()},
	}, 0.5); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	p, found, err := st.GetProfile(ctx, "lead-1")
	if err != nil || !found {
		t.Fatalf("GetProfile: found=%v err=%v", found, err)
	}
	if p.Preferences["interests"] != "pricing" {
		t.Fatalf("unexpected preferences: %v", p.Preferences)
	}

	// History stays capped at the newest records.
	for i := 0; i < 5; i++ {
		_ = st.UpsertProfile(ctx, "lead-1", nil, []InteractionRecord{
			{ConversationID: "c1", InteractionCount: i, Timestamp: time.Now()},
		}, 0.5)
	}
	p, _, _ = st.GetProfile(ctx, "lead-1")
	if len(p.InteractionHistory) != 3 {
		t.Fatalf("expected capped history of 3, got %d", len(p.InteractionHistory))
	}
	last := p.InteractionHistory[len(p.InteractionHistory)-1]
	if last.InteractionCount != 4 {
		t.Fatalf("expected newest record retained, got %d", last.InteractionCount)
	}
}

func TestShadowPerformanceStats(t *testing.T) {
	ctx := context.Background()
	st := New(ctx, "", 0, 0, nil)

	// No sample yet: documented baseline.
	stats, found, err := st.PerformanceStats(ctx, map[string]any{"agent_type": "engagement"})
	if err != nil || !found {
		t.Fatalf("PerformanceStats: found=%v err=%v", found, err)
	}
	if stats.ConversionRate != defaultConversionRate || stats.SampleSize != 0 {
		t.Fatalf("unexpected baseline stats: %+v", stats)
	}

	for i, converted := range []bool{true, false, false, true} {
		_ = st.AppendAction(ctx, ActionLogEntry{
			ActionID:   "a" + string(rune('0'+i)),
			AgentType:  "engagement",
			ActionType: "outreach",
			Result:     map[string]any{"converted": converted, "deal_size": 1000.0},
		})
	}
	stats, _, _ = st.PerformanceStats(ctx, map[string]any{"agent_type": "engagement"})
	if stats.ConversionRate != 0.5 {
		t.Fatalf("expected conversion rate 0.5, got %v", stats.ConversionRate)
	}
	if stats.SampleSize != 4 || stats.AverageDealSize != 1000.0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	a := st.Analytics(ctx)
	if a.TotalActions != 4 || a.TotalCustomers != 0 {
		t.Fatalf("unexpected analytics: %+v", a)
	}
}
