package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/agentic-crm/memstack/internal/memory/semantic"
)

// RunMaintenance drives the background cycle until ctx is cancelled. Cycles
// fire on the configured interval (or cron schedule when set); a failed
// cycle shortens the wait to the retry interval.
func (c *Coordinator) RunMaintenance(ctx context.Context) {
	c.logger.Printf("maintenance loop started (interval=%s)", c.opts.MaintenanceInterval)
	for {
		wait := c.nextWait(time.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Printf("maintenance loop stopped: %v", ctx.Err())
			return
		case <-timer.C:
		}
		if err := c.MaintenanceCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("maintenance cycle failed, retrying in %s: %v", c.opts.MaintenanceRetry, err)
			timer = time.NewTimer(c.opts.MaintenanceRetry)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// nextWait returns the time until the next scheduled cycle. Invalid cron
// expressions fall back to the fixed interval.
func (c *Coordinator) nextWait(now time.Time) time.Duration {
	if c.opts.MaintenanceCron == "" {
		return c.opts.MaintenanceInterval
	}
	expr, err := cronexpr.Parse(c.opts.MaintenanceCron)
	if err != nil {
		c.logger.Printf("invalid maintenance cron %q, using interval: %v", c.opts.MaintenanceCron, err)
		return c.opts.MaintenanceInterval
	}
	next := expr.Next(now)
	if next.IsZero() {
		return c.opts.MaintenanceInterval
	}
	return next.Sub(now)
}

// MaintenanceCycle runs one sweep / force-consolidate / mine pass. Each
// phase continues past the others' failures; the first error is reported
// so the loop shortens its next wait.
func (c *Coordinator) MaintenanceCycle(ctx context.Context) error {
	var firstErr error

	swept, err := c.short.SweepExpired(ctx)
	if err != nil {
		firstErr = fmt.Errorf("sweep expired: %w", err)
	} else if swept > 0 {
		c.metrics.Swept(swept)
		c.logger.Printf("maintenance swept %d expired conversations", swept)
	}

	if err := c.forceConsolidate(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.mineRelationships(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	c.metrics.Cycle(firstErr == nil)
	return firstErr
}

// forceConsolidate re-scans active conversations and promotes any that
// crossed the threshold without being consolidated on the write path.
func (c *Coordinator) forceConsolidate(ctx context.Context) error {
	active, err := c.short.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active conversations: %w", err)
	}
	for conversationID, raw := range active {
		entry := decodeConversation(conversationID, raw)
		if entry.conversation.LeadID == "" {
			continue
		}
		count := entry.conversation.InteractionCount
		if count < c.opts.ConsolidationThreshold || count-entry.watermark < c.opts.ConsolidationThreshold {
			continue
		}
		if err := c.consolidate(ctx, entry.conversation); err != nil {
			c.logger.Printf("forced consolidation failed for conversation %s: %v", conversationID, err)
			continue
		}
		// Advance the watermark so the next cycle does not promote again.
		if err := c.short.Store(ctx, conversationID, encodeConversation(entry.conversation, count), 0); err != nil {
			c.logger.Printf("watermark update failed for conversation %s: %v", conversationID, err)
		}
	}
	return nil
}

// mineRelationships turns recent successful episodes into weighted
// "related_to" edges: lead source paired with outcome, and scenario paired
// with each action in the sequence. Edge weight is the episode's outcome
// score so repeated success reinforces the link.
func (c *Coordinator) mineRelationships(ctx context.Context) error {
	episodes, err := c.episodes.RecentSuccesses(ctx, c.opts.MiningLimit)
	if err != nil {
		return fmt.Errorf("recent successes: %w", err)
	}
	mined := 0
	for _, ep := range episodes {
		pairs := minePairs(ep.Scenario, ep.ActionSequence, ep.Context)
		for _, p := range pairs {
			t := triple(p[0], p[1], ep.OutcomeScore)
			if err := c.graph.StoreTriple(ctx, t); err != nil {
				c.logger.Printf("mine triple %s->%s: %v", p[0], p[1], err)
				continue
			}
			mined++
		}
	}
	if mined > 0 {
		c.metrics.Mined(mined)
		c.logger.Printf("maintenance mined %d relationships from %d episodes", mined, len(episodes))
	}
	return nil
}

func minePairs(scenario string, actions []string, epContext map[string]any) [][2]string {
	var pairs [][2]string
	source, hasSource := stringField(epContext, "lead_source")
	outcome, hasOutcome := stringField(epContext, "outcome")
	if hasSource && hasOutcome {
		pairs = append(pairs, [2]string{source, outcome})
	}
	if scenario != "" {
		for _, action := range actions {
			if action == "" || action == scenario {
				continue
			}
			pairs = append(pairs, [2]string{scenario, action})
		}
	}
	return pairs
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s := fmt.Sprintf("%v", v)
	return s, s != ""
}

func triple(subject, object string, weight float64) semantic.Triple {
	return semantic.Triple{
		Subject:   subject,
		Predicate: "related_to",
		Object:    object,
		Weight:    weight,
		Source:    "episodic_learning",
	}
}

func decodeConversation(conversationID string, raw map[string]any) conversationEntry {
	entry := conversationEntry{
		conversation: ConversationContext{
			ConversationID: conversationID,
			Context:        map[string]any{},
		},
	}
	if v, ok := raw["lead_id"].(string); ok {
		entry.conversation.LeadID = v
	}
	if v, ok := raw["context"].(map[string]any); ok {
		entry.conversation.Context = v
	}
	entry.conversation.InteractionCount = intField(raw, "interaction_count")
	entry.watermark = intField(raw, "last_consolidated_count")
	if v, ok := raw["last_updated"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			entry.conversation.LastUpdated = ts
		}
	}
	return entry
}
