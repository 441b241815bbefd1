package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentic-crm/memstack/config"
	"github.com/agentic-crm/memstack/internal/memory/longterm"
)

// seedCMD loads demo profiles and action history into the long-term store
// so a fresh deployment has data to exercise queries against.
func seedCMD() *cobra.Command {
	var cfgPath string
	var seed = &cobra.Command{
		Use:   "seed",
		Short: "Load demo profiles and action history into the long-term store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Storage.Postgres.Enabled {
				return fmt.Errorf("seed requires storage.postgres.enabled")
			}
			return runSeed(cmd.Context(), cfg)
		},
	}
	seed.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.yaml)")
	return seed
}

func runSeed(ctx context.Context, cfg *config.Config) error {
	long := longterm.New(ctx, cfg.Storage.Postgres.DSN(), cfg.Storage.Postgres.CallTimeout, cfg.Memory.HistoryCap, nil)
	defer long.Close()
	if long.Status(ctx).Degraded {
		return fmt.Errorf("postgres unreachable, refusing to seed the shadow store")
	}

	now := time.Now().UTC()
	profiles := []struct {
		leadID string
		prefs  map[string]any
		record longterm.InteractionRecord
		rfm    float64
	}{
		{
			leadID: "demo-lead-001",
			prefs: map[string]any{
				"communication_channel": "email",
				"contact_time":          "morning",
				"interests":             []string{"automation", "analytics"},
			},
			record: longterm.InteractionRecord{
				ConversationID:   "demo-conv-001",
				InteractionCount: 5,
				ContextSummary:   "Source: webinar | Type: inbound | Outcome: demo_scheduled",
				Timestamp:        now.Add(-48 * time.Hour),
			},
			rfm: 0.661,
		},
		{
			leadID: "demo-lead-002",
			prefs: map[string]any{
				"communication_channel": "phone",
				"communication_style":   "concise",
			},
			record: longterm.InteractionRecord{
				ConversationID:   "demo-conv-002",
				InteractionCount: 7,
				ContextSummary:   "Source: referral | Outcome: converted",
				Timestamp:        now.Add(-10 * 24 * time.Hour),
			},
			rfm: 0.422,
		},
	}
	for _, p := range profiles {
		if err := long.UpsertProfile(ctx, p.leadID, p.prefs, []longterm.InteractionRecord{p.record}, p.rfm); err != nil {
			return fmt.Errorf("seed profile %s: %w", p.leadID, err)
		}
	}

	actions := []longterm.ActionLogEntry{
		{
			ActionID:   uuid.NewString(),
			AgentType:  "engagement",
			ActionType: "outreach_email",
			Timestamp:  now.Add(-36 * time.Hour),
			Context:    map[string]any{"lead_id": "demo-lead-001", "lead_source": "webinar"},
			Result:     map[string]any{"converted": false, "opened": true},
		},
		{
			ActionID:   uuid.NewString(),
			AgentType:  "closing",
			ActionType: "proposal",
			Timestamp:  now.Add(-9 * 24 * time.Hour),
			Context:    map[string]any{"lead_id": "demo-lead-002", "lead_source": "referral"},
			Result:     map[string]any{"converted": true, "deal_size": 18000.0},
		},
	}
	for _, a := range actions {
		if err := long.AppendAction(ctx, a); err != nil {
			return fmt.Errorf("seed action %s: %w", a.ActionType, err)
		}
	}

	fmt.Printf("seeded %d profiles and %d actions\n", len(profiles), len(actions))
	return nil
}
