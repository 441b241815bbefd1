// Package episodic implements the similarity-indexed experience tier.
//
// Episodes are stored with a fixed-length embedding in an embedded
// chromem-go collection for cosine ranking, and their canonical text is
// additionally indexed in bleve for keyword lookup. Both indexes live
// in-process; durability comes from the long-term tier, not from here.
package episodic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// Episode is an immutable record of a scored interaction sequence.
type Episode struct {
	EpisodeID      string         `json:"episode_id"`
	Scenario       string         `json:"scenario"`
	AgentType      string         `json:"agent_type"`
	ActionSequence []string       `json:"action_sequence"`
	OutcomeScore   float64        `json:"outcome_score"`
	Context        map[string]any `json:"context"`
	Timestamp      time.Time      `json:"timestamp"`
}

// CanonicalText is the deterministic text projection embeddings are derived
// from: scenario, context pairs in sorted key order, then the action
// sequence. Identical episodes always project to identical text.
func (e Episode) CanonicalText() string {
	var parts []string
	if e.Scenario != "" {
		parts = append(parts, "scenario: "+e.Scenario)
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Context[k]))
	}
	if len(e.ActionSequence) > 0 {
		parts = append(parts, "actions: "+strings.Join(e.ActionSequence, " "))
	}
	return strings.Join(parts, " | ")
}

// SearchResult pairs an episode with its cosine similarity to a query.
type SearchResult struct {
	Episode
	Similarity float64 `json:"similarity_score"`
}

// Status describes the operational state of the tier.
type Status struct {
	Type           string `json:"type"`
	Degraded       bool   `json:"degraded"`
	Episodes       int    `json:"episode_count"`
	EmbeddingModel string `json:"embedding_model"`
}

// Store indexes episodes for similarity and keyword retrieval.
type Store struct {
	embedder         Embedder
	collection       *chromem.Collection
	textIndex        bleve.Index
	successThreshold float64
	logger           *log.Logger

	mu       sync.RWMutex
	episodes map[string]Episode
	order    []string // insertion order, oldest first
}

// New constructs the episodic store around the given embedder.
func New(embedder Embedder, successThreshold float64, logger *log.Logger) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("embedder required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EPISODIC] ", log.LstdFlags)
	}
	if successThreshold <= 0 {
		successThreshold = 0.8
	}
	db := chromem.NewDB()
	collection, err := db.CreateCollection("episodes", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create episode collection: %w", err)
	}
	textIndex, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create text index: %w", err)
	}
	return &Store{
		embedder:         embedder,
		collection:       collection,
		textIndex:        textIndex,
		successThreshold: successThreshold,
		logger:           logger,
		episodes:         make(map[string]Episode),
	}, nil
}

// Store persists one episode with its embedding and searchable metadata.
// Episodes are immutable: storing an id twice is rejected.
func (s *Store) Store(ctx context.Context, ep Episode) error {
	if ep.EpisodeID == "" {
		ep.EpisodeID = uuid.NewString()
	}
	if ep.Scenario == "" && len(ep.Context) == 0 && len(ep.ActionSequence) == 0 {
		return errors.New("episode has no content")
	}
	if ep.OutcomeScore < 0 || ep.OutcomeScore > 1 {
		return fmt.Errorf("outcome_score %v outside [0,1]", ep.OutcomeScore)
	}
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	if _, exists := s.episodes[ep.EpisodeID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("episode %s already stored", ep.EpisodeID)
	}
	s.mu.Unlock()

	text := ep.CanonicalText()
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed episode: %w", err)
	}
	doc := chromem.Document{
		ID:        ep.EpisodeID,
		Content:   text,
		Embedding: vector,
		Metadata: map[string]string{
			"scenario":      ep.Scenario,
			"agent_type":    ep.AgentType,
			"outcome_score": strconv.FormatFloat(ep.OutcomeScore, 'f', 3, 64),
			"timestamp":     ep.Timestamp.UTC().Format(time.RFC3339),
		},
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add episode document: %w", err)
	}
	if err := s.textIndex.Index(ep.EpisodeID, map[string]any{
		"text":       text,
		"scenario":   ep.Scenario,
		"agent_type": ep.AgentType,
	}); err != nil {
		// Keyword search is secondary; similarity retrieval still works.
		s.logger.Printf("warn: text index episode %s: %v", ep.EpisodeID, err)
	}

	s.mu.Lock()
	s.episodes[ep.EpisodeID] = ep
	s.order = append(s.order, ep.EpisodeID)
	s.mu.Unlock()
	return nil
}

// SearchSimilar ranks stored episodes by descending cosine similarity to
// the query text. Filters are exact-match on metadata fields (scenario,
// agent_type) and are applied before ranking.
func (s *Store) SearchSimilar(ctx context.Context, queryText string, filters map[string]string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	where := make(map[string]string)
	for k, v := range filters {
		if k == "scenario" || k == "agent_type" {
			where[k] = v
		}
	}
	matching := s.countMatching(where)
	if matching == 0 {
		return nil, nil
	}
	if limit > matching {
		limit = matching
	}

	vector, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := s.collection.QueryEmbedding(ctx, vector, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		ep, ok := s.episodes[r.ID]
		if !ok {
			continue
		}
		out = append(out, SearchResult{Episode: ep, Similarity: float64(r.Similarity)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// SearchText runs a keyword match over episode text and returns the hits
// newest-ranking first by index score.
func (s *Store) SearchText(_ context.Context, query string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 5
	}
	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = limit
	res, err := s.textIndex.Search(req)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Episode, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if ep, ok := s.episodes[hit.ID]; ok {
			out = append(out, ep)
		}
	}
	return out, nil
}

// RecentSuccesses returns episodes at or above the success threshold,
// newest first.
func (s *Store) RecentSuccesses(_ context.Context, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Episode, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		ep := s.episodes[s.order[i]]
		if ep.OutcomeScore >= s.successThreshold {
			out = append(out, ep)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Status reports index size and the active embedding source.
func (s *Store) Status(_ context.Context) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Type:           "chromem",
		Degraded:       false,
		Episodes:       len(s.episodes),
		EmbeddingModel: s.embedder.Name(),
	}
}

func (s *Store) countMatching(where map[string]string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(where) == 0 {
		return len(s.episodes)
	}
	n := 0
	for _, ep := range s.episodes {
		if v, ok := where["scenario"]; ok && ep.Scenario != v {
			continue
		}
		if v, ok := where["agent_type"]; ok && ep.AgentType != v {
			continue
		}
		n++
	}
	return n
}
