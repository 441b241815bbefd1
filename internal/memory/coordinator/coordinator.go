// Package coordinator unifies the four memory tiers behind one facade.
//
// Agents talk only to the Coordinator. It routes calls to the owning tier
// and layers on the cross-tier policies: short-to-long consolidation on
// conversation writes, the episodic success gate, and the background
// maintenance cycle that sweeps, force-consolidates and mines semantic
// relationships out of successful episodes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/agentic-crm/memstack/internal/memory/episodic"
	"github.com/agentic-crm/memstack/internal/memory/longterm"
	"github.com/agentic-crm/memstack/internal/memory/semantic"
	"github.com/agentic-crm/memstack/internal/memory/shortterm"
)

// Defaults for the consolidation and episodic policies.
const (
	DefaultConsolidationThreshold = 5
	DefaultSuccessThreshold       = 0.8
	DefaultMiningLimit            = 100
)

const leadLockStripes = 64

// monetaryPlaceholder stands in for a transactional value feed that is not
// wired in; the RFM monetary component is fixed.
const monetaryPlaceholder = 0.5

// ErrNotFound reports absence where the caller asked to modify an existing
// record. Plain reads represent absence as found=false instead.
var ErrNotFound = errors.New("not found")

// preferenceKeys maps recognized conversation context keys to the profile
// preference keys they consolidate into.
var preferenceKeys = map[string]string{
	"preferred_channel":   "communication_channel",
	"contact_time":        "contact_time",
	"interests":           "interests",
	"communication_style": "communication_style",
	"product_interests":   "product_interests",
}

// ConversationContext is the short-term record for one active conversation.
type ConversationContext struct {
	ConversationID   string         `json:"conversation_id"`
	LeadID           string         `json:"lead_id"`
	Context          map[string]any `json:"context"`
	InteractionCount int            `json:"interaction_count"`
	LastUpdated      time.Time      `json:"last_updated"`
}

// StatusReport aggregates per-tier status for the status query. It is the
// only channel that exposes degraded tiers to callers.
type StatusReport struct {
	ShortTerm shortterm.Status `json:"short_term"`
	LongTerm  longterm.Status  `json:"long_term"`
	Episodic  episodic.Status  `json:"episodic"`
	Semantic  semantic.Status  `json:"semantic"`
}

// Options carries the tunable policy knobs.
type Options struct {
	ConsolidationThreshold int
	SuccessThreshold       float64
	DefaultTTL             time.Duration
	MiningLimit            int
	MaintenanceInterval    time.Duration
	MaintenanceRetry       time.Duration
	MaintenanceCron        string
}

// Coordinator routes memory operations and owns the cross-tier policies.
type Coordinator struct {
	short    shortterm.Store
	long     *longterm.Store
	episodes *episodic.Store
	graph    *semantic.Store

	opts    Options
	logger  *log.Logger
	metrics *Metrics

	// leadLocks serializes consolidation per lead so concurrent handoff
	// bursts cannot interleave profile merges.
	leadLocks [leadLockStripes]sync.Mutex
}

// New wires the four tiers into a coordinator.
func New(short shortterm.Store, long *longterm.Store, episodes *episodic.Store, graph *semantic.Store, opts Options, metrics *Metrics, logger *log.Logger) (*Coordinator, error) {
	if short == nil || long == nil || episodes == nil || graph == nil {
		return nil, errors.New("all four tiers required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	if opts.ConsolidationThreshold <= 0 {
		opts.ConsolidationThreshold = DefaultConsolidationThreshold
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = DefaultSuccessThreshold
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = shortterm.DefaultTTL
	}
	if opts.MiningLimit <= 0 {
		opts.MiningLimit = DefaultMiningLimit
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 5 * time.Minute
	}
	if opts.MaintenanceRetry <= 0 {
		opts.MaintenanceRetry = time.Minute
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Coordinator{
		short:    short,
		long:     long,
		episodes: episodes,
		graph:    graph,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// StoreShortTerm records one interaction for a conversation. The entry's
// interaction count increases by one per call; crossing the consolidation
// threshold promotes the conversation into the long-term profile exactly
// once per threshold's worth of interactions.
func (c *Coordinator) StoreShortTerm(ctx context.Context, conversationID, leadID string, contextData map[string]any, ttl time.Duration) error {
	if conversationID == "" {
		return errors.New("conversation_id required")
	}
	if leadID == "" {
		return errors.New("lead_id required")
	}
	c.metrics.Operation("store_short_term")
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	existing, _, err := c.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	count := 1
	watermark := 0
	merged := map[string]any{}
	if existing != nil {
		count = existing.conversation.InteractionCount + 1
		watermark = existing.watermark
		for k, v := range existing.conversation.Context {
			merged[k] = v
		}
	}
	for k, v := range contextData {
		merged[k] = v
	}
	conv := ConversationContext{
		ConversationID:   conversationID,
		LeadID:           leadID,
		Context:          merged,
		InteractionCount: count,
		LastUpdated:      time.Now().UTC(),
	}

	if count >= c.opts.ConsolidationThreshold && count-watermark >= c.opts.ConsolidationThreshold {
		if err := c.consolidate(ctx, conv); err != nil {
			// Partial cross-tier write: logged, never rolled back.
			c.logger.Printf("consolidation failed for conversation %s: %v", conversationID, err)
		} else {
			watermark = count
		}
	}
	return c.short.Store(ctx, conversationID, encodeConversation(conv, watermark), ttl)
}

// GetShortTerm returns the active conversation context, or found=false.
func (c *Coordinator) GetShortTerm(ctx context.Context, conversationID string) (*ConversationContext, bool, error) {
	c.metrics.Operation("get_short_term")
	entry, _, err := c.loadConversation(ctx, conversationID)
	if err != nil || entry == nil {
		return nil, false, err
	}
	conv := entry.conversation
	return &conv, true, nil
}

// UpdateShortTerm merges updates into an existing conversation's context.
// The write counts as an interaction and refreshes the entry's TTL.
func (c *Coordinator) UpdateShortTerm(ctx context.Context, conversationID string, updates map[string]any) error {
	c.metrics.Operation("update_short_term")
	entry, _, err := c.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return c.StoreShortTerm(ctx, conversationID, entry.conversation.LeadID, updates, 0)
}

// DeleteShortTerm drops a conversation before its TTL elapses.
func (c *Coordinator) DeleteShortTerm(ctx context.Context, conversationID string) (bool, error) {
	c.metrics.Operation("delete_short_term")
	return c.short.Delete(ctx, conversationID)
}

// StoreLongTerm merges preferences and history directly into a profile,
// recomputing the RFM score from the merged history.
func (c *Coordinator) StoreLongTerm(ctx context.Context, leadID string, preferences map[string]any, history []longterm.InteractionRecord) error {
	if leadID == "" {
		return errors.New("lead_id required")
	}
	c.metrics.Operation("store_long_term")
	lock := c.leadLock(leadID)
	lock.Lock()
	defer lock.Unlock()

	merged := history
	if existing, found, err := c.long.GetProfile(ctx, leadID); err == nil && found {
		merged = append(append([]longterm.InteractionRecord(nil), existing.InteractionHistory...), history...)
	}
	rfm := rfmScore(merged, time.Now().UTC())
	return c.long.UpsertProfile(ctx, leadID, preferences, history, rfm)
}

// GetLongTerm returns a lead's profile, or found=false.
func (c *Coordinator) GetLongTerm(ctx context.Context, leadID string) (*longterm.CustomerProfile, bool, error) {
	c.metrics.Operation("get_long_term")
	return c.long.GetProfile(ctx, leadID)
}

// HistoricalPerformance aggregates outcomes from the action log.
func (c *Coordinator) HistoricalPerformance(ctx context.Context, filter map[string]any) (*longterm.PerformanceStats, bool, error) {
	c.metrics.Operation("get_historical_performance")
	return c.long.PerformanceStats(ctx, filter)
}

// StoreEpisode applies the success gate: episodes scoring below the
// threshold are not stored and report accepted=false without error.
func (c *Coordinator) StoreEpisode(ctx context.Context, ep episodic.Episode) (bool, error) {
	c.metrics.Operation("store_episodic_memory")
	if ep.OutcomeScore < c.opts.SuccessThreshold {
		return false, nil
	}
	if err := c.episodes.Store(ctx, ep); err != nil {
		return false, err
	}
	return true, nil
}

// SearchEpisodes ranks stored episodes against a query context by
// similarity, optionally filtered to one agent type.
func (c *Coordinator) SearchEpisodes(ctx context.Context, queryContext map[string]any, agentType string, limit int) ([]episodic.SearchResult, error) {
	c.metrics.Operation("search_episodic_memory")
	if limit <= 0 {
		limit = 5
	}
	query := contextQueryText(queryContext)
	var filters map[string]string
	if agentType != "" {
		filters = map[string]string{"agent_type": agentType}
	}
	return c.episodes.SearchSimilar(ctx, query, filters, limit)
}

// SearchEpisodesText runs a keyword match over stored episode text,
// complementing the embedding search when the caller has literal terms.
func (c *Coordinator) SearchEpisodesText(ctx context.Context, query string, limit int) ([]episodic.Episode, error) {
	c.metrics.Operation("search_episodic_text")
	if limit <= 0 {
		limit = 5
	}
	return c.episodes.SearchText(ctx, query, limit)
}

// RecentSuccesses lists episodes at or above the success threshold.
func (c *Coordinator) RecentSuccesses(ctx context.Context, limit int) ([]episodic.Episode, error) {
	c.metrics.Operation("get_recent_successes")
	return c.episodes.RecentSuccesses(ctx, limit)
}

// StoreKnowledgeTriple upserts one semantic edge.
func (c *Coordinator) StoreKnowledgeTriple(ctx context.Context, t semantic.Triple) error {
	c.metrics.Operation("store_knowledge_triple")
	return c.graph.StoreTriple(ctx, t)
}

// QuerySemantic filters edges by any subset of subject/predicate/object.
func (c *Coordinator) QuerySemantic(ctx context.Context, subject, predicate, object string) []semantic.Triple {
	c.metrics.Operation("query_semantic_memory")
	return c.graph.QueryTriples(ctx, subject, predicate, object)
}

// RelatedConcepts traverses the semantic graph from a concept.
func (c *Coordinator) RelatedConcepts(ctx context.Context, concept string, relTypes []string, depth int) []semantic.Related {
	c.metrics.Operation("get_related_concepts")
	return c.graph.RelatedConcepts(ctx, concept, relTypes, depth)
}

// ShortestPath finds the hop-shortest connection between two concepts.
func (c *Coordinator) ShortestPath(ctx context.Context, source, target string) ([]string, bool) {
	c.metrics.Operation("get_shortest_path")
	return c.graph.ShortestPath(ctx, source, target)
}

// LogAgentAction appends one action record.
func (c *Coordinator) LogAgentAction(ctx context.Context, entry longterm.ActionLogEntry) error {
	c.metrics.Operation("log_agent_action")
	return c.long.AppendAction(ctx, entry)
}

// StoreHandoffContext appends one handoff record.
func (c *Coordinator) StoreHandoffContext(ctx context.Context, entry longterm.HandoffLogEntry) error {
	c.metrics.Operation("store_handoff_context")
	return c.long.AppendHandoff(ctx, entry)
}

// MemoryStatus reports per-tier status including degradation flags.
func (c *Coordinator) MemoryStatus(ctx context.Context) StatusReport {
	c.metrics.Operation("get_memory_status")
	report := StatusReport{
		ShortTerm: c.short.Status(ctx),
		LongTerm:  c.long.Status(ctx),
		Episodic:  c.episodes.Status(ctx),
		Semantic:  c.graph.Status(ctx),
	}
	c.metrics.SetDegraded("short_term", report.ShortTerm.Degraded)
	c.metrics.SetDegraded("long_term", report.LongTerm.Degraded)
	c.metrics.SetDegraded("episodic", report.Episodic.Degraded)
	c.metrics.SetDegraded("semantic", report.Semantic.Degraded)
	return report
}

// consolidate promotes a conversation into the long-term profile: extract
// the recognized preference keys, append one summarized interaction record
// and recompute the RFM score over the merged history.
func (c *Coordinator) consolidate(ctx context.Context, conv ConversationContext) error {
	lock := c.leadLock(conv.LeadID)
	lock.Lock()
	defer lock.Unlock()

	record := longterm.InteractionRecord{
		ConversationID:   conv.ConversationID,
		InteractionCount: conv.InteractionCount,
		ContextSummary:   summarizeContext(conv.Context),
		Timestamp:        time.Now().UTC(),
	}

	merged := []longterm.InteractionRecord{record}
	if existing, found, err := c.long.GetProfile(ctx, conv.LeadID); err == nil && found {
		merged = append(append([]longterm.InteractionRecord(nil), existing.InteractionHistory...), record)
	}
	rfm := rfmScore(merged, time.Now().UTC())

	prefs := extractPreferences(conv.Context)
	if err := c.long.UpsertProfile(ctx, conv.LeadID, prefs, []longterm.InteractionRecord{record}, rfm); err != nil {
		return fmt.Errorf("promote conversation %s: %w", conv.ConversationID, err)
	}
	c.metrics.Consolidation()
	c.logger.Printf("consolidated conversation %s into lead %s (interactions=%d rfm=%.3f)",
		conv.ConversationID, conv.LeadID, conv.InteractionCount, rfm)
	return nil
}

func (c *Coordinator) leadLock(leadID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(leadID))
	return &c.leadLocks[h.Sum32()%leadLockStripes]
}

// extractPreferences pulls the recognized preference keys out of a
// conversation context; unrecognized keys stay conversation-scoped.
func extractPreferences(contextData map[string]any) map[string]any {
	prefs := map[string]any{}
	for ctxKey, prefKey := range preferenceKeys {
		if v, ok := contextData[ctxKey]; ok {
			prefs[prefKey] = v
		}
	}
	return prefs
}

// summarizeContext flattens a context into a one-line interaction summary.
func summarizeContext(contextData map[string]any) string {
	var parts []string
	if v, ok := contextData["source"]; ok {
		parts = append(parts, fmt.Sprintf("Source: %v", v))
	} else if v, ok := contextData["lead_source"]; ok {
		parts = append(parts, fmt.Sprintf("Source: %v", v))
	}
	if v, ok := contextData["type"]; ok {
		parts = append(parts, fmt.Sprintf("Type: %v", v))
	}
	if v, ok := contextData["outcome"]; ok {
		parts = append(parts, fmt.Sprintf("Outcome: %v", v))
	}
	if len(parts) == 0 {
		return "General interaction"
	}
	return strings.Join(parts, " | ")
}

// contextQueryText projects a query context onto the same canonical text
// form episodes are embedded from.
func contextQueryText(queryContext map[string]any) string {
	ep := episodic.Episode{Context: map[string]any{}}
	for k, v := range queryContext {
		switch k {
		case "scenario":
			ep.Scenario = fmt.Sprintf("%v", v)
		case "actions", "action_sequence":
			if actions, ok := v.([]string); ok {
				ep.ActionSequence = actions
			} else if raw, ok := v.([]any); ok {
				for _, a := range raw {
					ep.ActionSequence = append(ep.ActionSequence, fmt.Sprintf("%v", a))
				}
			}
		default:
			ep.Context[k] = v
		}
	}
	return ep.CanonicalText()
}

// rfmScore computes the engagement score from interaction history.
// recency decays linearly over 30 days, frequency saturates at 10
// interactions, monetary is a fixed placeholder. Empty history scores 0.
func rfmScore(history []longterm.InteractionRecord, now time.Time) float64 {
	if len(history) == 0 {
		return 0.0
	}
	last := history[0].Timestamp
	for _, r := range history[1:] {
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	days := now.Sub(last).Hours() / 24
	recency := math.Max(0, 1-days/30)
	frequency := math.Min(1, float64(len(history))/10)
	rfm := (recency + frequency + monetaryPlaceholder) / 3
	return math.Round(rfm*1000) / 1000
}

// conversationEntry is the short-term wire form plus the consolidation
// watermark that guards against repeated promotion.
type conversationEntry struct {
	conversation ConversationContext
	watermark    int
}

func encodeConversation(conv ConversationContext, watermark int) map[string]any {
	return map[string]any{
		"conversation_id":         conv.ConversationID,
		"lead_id":                 conv.LeadID,
		"context":                 conv.Context,
		"interaction_count":       conv.InteractionCount,
		"last_updated":            conv.LastUpdated.Format(time.RFC3339Nano),
		"last_consolidated_count": watermark,
	}
}

func (c *Coordinator) loadConversation(ctx context.Context, conversationID string) (*conversationEntry, bool, error) {
	if conversationID == "" {
		return nil, false, errors.New("conversation_id required")
	}
	raw, found, err := c.short.Get(ctx, conversationID)
	if err != nil || !found {
		return nil, false, err
	}
	entry := decodeConversation(conversationID, raw)
	return &entry, true, nil
}

// intField tolerates the float64 that JSON round-trips integers into.
func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
