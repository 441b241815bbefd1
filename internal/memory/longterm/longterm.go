// Package longterm implements the durable per-lead profile tier together
// with the append-only agent action and handoff logs.
//
// The primary backend is Postgres. When the database is unreachable at
// construction or a call fails, the store continues serving every operation
// from an in-process shadow with reduced durability; the switch is visible
// only through Status.
package longterm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "github.com/lib/pq"
)

// DefaultHistoryCap bounds interaction history per profile so append-only
// growth stays contained.
const DefaultHistoryCap = 200

// Default aggregates reported when the action log carries no signal yet.
const (
	defaultConversionRate   = 0.15
	defaultAverageDealSize  = 12500.0
	defaultDaysToConversion = 14.0
)

// CustomerProfile is the durable record for a lead.
type CustomerProfile struct {
	LeadID             string              `json:"lead_id"`
	Preferences        map[string]any      `json:"preferences"`
	InteractionHistory []InteractionRecord `json:"interaction_history"`
	RFMScore           float64             `json:"rfm_score"`
	CreatedAt          time.Time           `json:"created_at"`
	LastUpdated        time.Time           `json:"last_updated"`
}

// InteractionRecord summarises one consolidated conversation.
type InteractionRecord struct {
	ConversationID   string    `json:"conversation_id"`
	InteractionCount int       `json:"interaction_count"`
	ContextSummary   string    `json:"context_summary"`
	Timestamp        time.Time `json:"timestamp"`
}

// ActionLogEntry is an immutable agent action record.
type ActionLogEntry struct {
	ActionID      string         `json:"action_id"`
	AgentType     string         `json:"agent_type"`
	ActionType    string         `json:"action_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Context       map[string]any `json:"context"`
	Result        map[string]any `json:"result"`
	HandoffTarget string         `json:"handoff_target,omitempty"`
}

// HandoffLogEntry records one agent-to-agent conversation handoff.
type HandoffLogEntry struct {
	ConversationID string         `json:"conversation_id"`
	LeadID         string         `json:"lead_id"`
	SourceAgent    string         `json:"source_agent"`
	TargetAgent    string         `json:"target_agent"`
	ContextData    map[string]any `json:"context_data"`
	HandoffReason  string         `json:"handoff_reason"`
	Timestamp      time.Time      `json:"timestamp"`
}

// PerformanceStats aggregates historical outcomes for a context filter.
type PerformanceStats struct {
	ConversionRate   float64 `json:"conversion_rate"`
	AverageDealSize  float64 `json:"average_deal_size"`
	TimeToConversion float64 `json:"time_to_conversion"`
	SampleSize       int     `json:"sample_size"`
}

// Analytics carries record counts for the status query.
type Analytics struct {
	TotalCustomers int `json:"total_customers"`
	TotalActions   int `json:"total_actions"`
	TotalHandoffs  int `json:"total_handoffs"`
}

// Status describes the operational state of the tier.
type Status struct {
	Type     string `json:"type"`
	Degraded bool   `json:"degraded"`
	Analytics
}

// Store persists profiles and logs in Postgres with an in-process shadow.
type Store struct {
	db          *sql.DB
	shadow      *shadowStore
	cache       *ristretto.Cache
	callTimeout time.Duration
	historyCap  int
	logger      *log.Logger

	mu       sync.RWMutex
	degraded bool
}

// New connects to Postgres and ensures the schema. An unreachable database
// is not an error: the store starts degraded on the shadow, per the
// availability-over-durability policy.
func New(ctx context.Context, dsn string, callTimeout time.Duration, historyCap int, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[LTM] ", log.LstdFlags)
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	cache, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	s := &Store{
		shadow:      newShadowStore(),
		cache:       cache,
		callTimeout: callTimeout,
		historyCap:  historyCap,
		logger:      logger,
	}
	if dsn == "" {
		s.degraded = true
		logger.Printf("postgres not configured, serving from in-memory shadow")
		return s
	}
	db, err := sql.Open("postgres", dsn)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err = db.PingContext(pingCtx)
		cancel()
	}
	if err != nil {
		s.degraded = true
		logger.Printf("postgres unreachable, serving from in-memory shadow: %v", err)
		return s
	}
	s.db = db
	if err := s.ensureSchema(ctx); err != nil {
		s.degraded = true
		logger.Printf("postgres schema setup failed, serving from in-memory shadow: %v", err)
	}
	return s
}

// NewWithDB wraps an existing database handle; used by tests.
func NewWithDB(db *sql.DB, historyCap int, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[LTM] ", log.LstdFlags)
	}
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	cache, _ := ristretto.NewCache(&ristretto.Config{NumCounters: 10_000, MaxCost: 1_000, BufferItems: 64})
	return &Store{
		db:          db,
		shadow:      newShadowStore(),
		cache:       cache,
		callTimeout: 5 * time.Second,
		historyCap:  historyCap,
		logger:      logger,
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customer_profiles (
			lead_id VARCHAR(255) PRIMARY KEY,
			preferences JSONB DEFAULT '{}',
			interaction_history JSONB DEFAULT '[]',
			rfm_score DOUBLE PRECISION DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			last_updated TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agent_actions_log (
			action_id VARCHAR(255) PRIMARY KEY,
			agent_type VARCHAR(100),
			action_type VARCHAR(100),
			timestamp TIMESTAMPTZ,
			context JSONB,
			result JSONB,
			handoff_target VARCHAR(100)
		)`,
		`CREATE TABLE IF NOT EXISTS handoff_context_log (
			conversation_id VARCHAR(255),
			lead_id VARCHAR(255),
			source_agent VARCHAR(100),
			target_agent VARCHAR(100),
			context_data JSONB,
			handoff_reason TEXT,
			timestamp TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_customer_rfm ON customer_profiles (rfm_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_customer_preferences ON customer_profiles USING GIN (preferences)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_agent ON agent_actions_log (agent_type, action_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) isDegraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Store) degrade(err error) {
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.mu.Unlock()
	if !already {
		s.logger.Printf("postgres unavailable, switching to in-memory shadow: %v", err)
	}
}

// UpsertProfile merges preferences key-wise (last write wins), appends the
// supplied history records and stores the provided RFM score. History is
// capped to the newest historyCap records. Profiles are never deleted.
func (s *Store) UpsertProfile(ctx context.Context, leadID string, preferences map[string]any, history []InteractionRecord, rfm float64) error {
	if leadID == "" {
		return errors.New("lead_id required")
	}
	existing, found, err := s.GetProfile(ctx, leadID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	profile := CustomerProfile{
		LeadID:      leadID,
		Preferences: map[string]any{},
		RFMScore:    rfm,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if found {
		profile.CreatedAt = existing.CreatedAt
		for k, v := range existing.Preferences {
			profile.Preferences[k] = v
		}
		profile.InteractionHistory = existing.InteractionHistory
	}
	for k, v := range preferences {
		profile.Preferences[k] = v
	}
	profile.InteractionHistory = append(profile.InteractionHistory, history...)
	if over := len(profile.InteractionHistory) - s.historyCap; over > 0 {
		profile.InteractionHistory = profile.InteractionHistory[over:]
	}

	s.cache.Del(leadID)
	if s.isDegraded() {
		s.shadow.putProfile(profile)
		return nil
	}

	prefsJSON, err := json.Marshal(profile.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	historyJSON, err := json.Marshal(profile.InteractionHistory)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	_, err = s.db.ExecContext(cctx, `
INSERT INTO customer_profiles (lead_id, preferences, interaction_history, rfm_score, created_at, last_updated)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (lead_id) DO UPDATE SET
  preferences = EXCLUDED.preferences,
  interaction_history = EXCLUDED.interaction_history,
  rfm_score = EXCLUDED.rfm_score,
  last_updated = EXCLUDED.last_updated`,
		leadID, prefsJSON, historyJSON, profile.RFMScore, profile.CreatedAt, profile.LastUpdated)
	if err != nil {
		s.degrade(err)
		s.shadow.putProfile(profile)
	}
	return nil
}

// GetProfile returns the profile for a lead, or found=false when absent.
func (s *Store) GetProfile(ctx context.Context, leadID string) (*CustomerProfile, bool, error) {
	if leadID == "" {
		return nil, false, errors.New("lead_id required")
	}
	if cached, ok := s.cache.Get(leadID); ok {
		if p, ok := cached.(CustomerProfile); ok {
			cp := p
			return &cp, true, nil
		}
	}
	if s.isDegraded() {
		p, ok := s.shadow.getProfile(leadID)
		return p, ok, nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	row := s.db.QueryRowContext(cctx, `
SELECT lead_id, preferences, interaction_history, rfm_score, created_at, last_updated
FROM customer_profiles WHERE lead_id = $1`, leadID)

	var (
		p           CustomerProfile
		prefsJSON   []byte
		historyJSON []byte
	)
	err := row.Scan(&p.LeadID, &prefsJSON, &historyJSON, &p.RFMScore, &p.CreatedAt, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		s.degrade(err)
		sp, ok := s.shadow.getProfile(leadID)
		return sp, ok, nil
	}
	if len(prefsJSON) > 0 {
		if err := json.Unmarshal(prefsJSON, &p.Preferences); err != nil {
			return nil, false, fmt.Errorf("unmarshal preferences: %w", err)
		}
	}
	if p.Preferences == nil {
		p.Preferences = map[string]any{}
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &p.InteractionHistory); err != nil {
			return nil, false, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	s.cache.SetWithTTL(leadID, p, 1, time.Minute)
	return &p, true, nil
}

// AppendAction writes one immutable action log record.
func (s *Store) AppendAction(ctx context.Context, entry ActionLogEntry) error {
	if entry.ActionID == "" {
		return errors.New("action_id required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if s.isDegraded() {
		s.shadow.appendAction(entry)
		return nil
	}
	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("marshal action context: %w", err)
	}
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	_, err = s.db.ExecContext(cctx, `
INSERT INTO agent_actions_log (action_id, agent_type, action_type, timestamp, context, result, handoff_target)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ActionID, entry.AgentType, entry.ActionType, entry.Timestamp, contextJSON, resultJSON, nullable(entry.HandoffTarget))
	if err != nil {
		s.degrade(err)
		s.shadow.appendAction(entry)
	}
	return nil
}

// AppendHandoff writes one immutable handoff log record.
func (s *Store) AppendHandoff(ctx context.Context, entry HandoffLogEntry) error {
	if entry.LeadID == "" {
		return errors.New("lead_id required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if s.isDegraded() {
		s.shadow.appendHandoff(entry)
		return nil
	}
	contextJSON, err := json.Marshal(entry.ContextData)
	if err != nil {
		return fmt.Errorf("marshal handoff context: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	_, err = s.db.ExecContext(cctx, `
INSERT INTO handoff_context_log (conversation_id, lead_id, source_agent, target_agent, context_data, handoff_reason, timestamp)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ConversationID, entry.LeadID, entry.SourceAgent, entry.TargetAgent, contextJSON, entry.HandoffReason, entry.Timestamp)
	if err != nil {
		s.degrade(err)
		s.shadow.appendHandoff(entry)
	}
	return nil
}

// PerformanceStats aggregates conversion signals from the action log for
// actions matching the filter (agent_type, action_type). With no recorded
// sample it reports the documented baseline figures.
func (s *Store) PerformanceStats(ctx context.Context, filter map[string]any) (*PerformanceStats, bool, error) {
	agentType, _ := filter["agent_type"].(string)
	actionType, _ := filter["action_type"].(string)

	if s.isDegraded() {
		return s.shadow.performanceStats(agentType, actionType), true, nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	row := s.db.QueryRowContext(cctx, `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE (result->>'converted')::boolean),
       COALESCE(AVG((result->>'deal_size')::numeric) FILTER (WHERE result ? 'deal_size'), 0)
FROM agent_actions_log
WHERE ($1 = '' OR agent_type = $1) AND ($2 = '' OR action_type = $2)`, agentType, actionType)

	var total, converted int
	var avgDeal float64
	if err := row.Scan(&total, &converted, &avgDeal); err != nil {
		s.degrade(err)
		return s.shadow.performanceStats(agentType, actionType), true, nil
	}
	return statsFromCounts(total, converted, avgDeal), true, nil
}

// Analytics returns record counts across the three tables.
func (s *Store) Analytics(ctx context.Context) Analytics {
	if s.isDegraded() {
		return s.shadow.analytics()
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	var a Analytics
	row := s.db.QueryRowContext(cctx, `
SELECT (SELECT COUNT(*) FROM customer_profiles),
       (SELECT COUNT(*) FROM agent_actions_log),
       (SELECT COUNT(*) FROM handoff_context_log)`)
	if err := row.Scan(&a.TotalCustomers, &a.TotalActions, &a.TotalHandoffs); err != nil {
		s.degrade(err)
		return s.shadow.analytics()
	}
	return a
}

// Status reports backend type, degradation and record counts.
func (s *Store) Status(ctx context.Context) Status {
	if s.isDegraded() {
		return Status{Type: "postgresql", Degraded: true, Analytics: s.shadow.analytics()}
	}
	return Status{Type: "postgresql", Degraded: false, Analytics: s.Analytics(ctx)}
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func statsFromCounts(total, converted int, avgDeal float64) *PerformanceStats {
	if total == 0 {
		return &PerformanceStats{
			ConversionRate:   defaultConversionRate,
			AverageDealSize:  defaultAverageDealSize,
			TimeToConversion: defaultDaysToConversion,
		}
	}
	stats := &PerformanceStats{
		ConversionRate:   float64(converted) / float64(total),
		AverageDealSize:  avgDeal,
		TimeToConversion: defaultDaysToConversion,
		SampleSize:       total,
	}
	if stats.AverageDealSize == 0 {
		stats.AverageDealSize = defaultAverageDealSize
	}
	return stats
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// shadowStore is the reduced-durability fallback. It is owned by its Store
// instance; there is no process-wide fallback map.
type shadowStore struct {
	mu       sync.RWMutex
	profiles map[string]CustomerProfile
	actions  []ActionLogEntry
	handoffs []HandoffLogEntry
}

func newShadowStore() *shadowStore {
	return &shadowStore{profiles: make(map[string]CustomerProfile)}
}

func (s *shadowStore) putProfile(p CustomerProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.LeadID] = p
}

func (s *shadowStore) getProfile(leadID string) (*CustomerProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[leadID]
	if !ok {
		return nil, false
	}
	cp := p
	return &cp, true
}

func (s *shadowStore) appendAction(e ActionLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, e)
}

func (s *shadowStore) appendHandoff(e HandoffLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs = append(s.handoffs, e)
}

func (s *shadowStore) performanceStats(agentType, actionType string) *PerformanceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total, converted := 0, 0
	var dealSum float64
	var dealCount int
	for _, a := range s.actions {
		if agentType != "" && a.AgentType != agentType {
			continue
		}
		if actionType != "" && a.ActionType != actionType {
			continue
		}
		total++
		if conv, ok := a.Result["converted"].(bool); ok && conv {
			converted++
		}
		if size, ok := a.Result["deal_size"].(float64); ok {
			dealSum += size
			dealCount++
		}
	}
	avg := 0.0
	if dealCount > 0 {
		avg = dealSum / float64(dealCount)
	}
	return statsFromCounts(total, converted, avg)
}

func (s *shadowStore) analytics() Analytics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Analytics{
		TotalCustomers: len(s.profiles),
		TotalActions:   len(s.actions),
		TotalHandoffs:  len(s.handoffs),
	}
}
