package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentic-crm/memstack/internal/memory/coordinator"
	"github.com/agentic-crm/memstack/internal/memory/episodic"
	"github.com/agentic-crm/memstack/internal/memory/longterm"
	"github.com/agentic-crm/memstack/internal/memory/semantic"
	"github.com/agentic-crm/memstack/internal/rpc"
)

// okResult is the uniform reply for storage methods: tier-local failures
// surface as success=false, never as a raised transport error.
type okResult struct {
	Success bool `json:"success"`
}

// registerMethods binds the coordinator operation set to the dispatcher.
func (s *Server) registerMethods() {
	d := s.dispatcher

	d.Register("store_short_term", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			ConversationID string         `json:"conversation_id"`
			LeadID         string         `json:"lead_id"`
			Context        map[string]any `json:"context"`
			TTLSeconds     int            `json:"ttl"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		err := s.coord.StoreShortTerm(ctx, p.ConversationID, p.LeadID, p.Context, time.Duration(p.TTLSeconds)*time.Second)
		return s.storeResult("store_short_term", err)
	})

	d.Register("get_short_term", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		conv, found, err := s.coord.GetShortTerm(ctx, p.ConversationID)
		if err != nil {
			return nil, rpc.Errorf(rpc.CodeInvalidParams, "%v", err)
		}
		if !found {
			return nil, nil
		}
		return conv, nil
	})

	d.Register("update_short_term", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			ConversationID string         `json:"conversation_id"`
			Updates        map[string]any `json:"updates"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		err := s.coord.UpdateShortTerm(ctx, p.ConversationID, p.Updates)
		if errors.Is(err, coordinator.ErrNotFound) {
			return okResult{Success: false}, nil
		}
		return s.storeResult("update_short_term", err)
	})

	d.Register("delete_short_term", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		deleted, err := s.coord.DeleteShortTerm(ctx, p.ConversationID)
		if err != nil {
			return okResult{Success: false}, nil
		}
		return okResult{Success: deleted}, nil
	})

	d.Register("store_long_term", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			LeadID             string                       `json:"lead_id"`
			Preferences        map[string]any               `json:"preferences"`
			InteractionHistory []longterm.InteractionRecord `json:"interaction_history"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		err := s.coord.StoreLongTerm(ctx, p.LeadID, p.Preferences, p.InteractionHistory)
		return s.storeResult("store_long_term", err)
	})

	d.Register("get_long_term", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			LeadID string `json:"lead_id"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		profile, found, err := s.coord.GetLongTerm(ctx, p.LeadID)
		if err != nil {
			return nil, rpc.Errorf(rpc.CodeInvalidParams, "%v", err)
		}
		if !found {
			return nil, nil
		}
		return profile, nil
	})

	d.Register("get_historical_performance", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			ContextFilter map[string]any `json:"context_filter"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		stats, found, err := s.coord.HistoricalPerformance(ctx, p.ContextFilter)
		if err != nil || !found {
			return nil, nil
		}
		return stats, nil
	})

	d.Register("store_episodic_memory", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var ep episodic.Episode
		if err := rpc.DecodeParams(params, &ep); err != nil {
			return nil, err
		}
		accepted, err := s.coord.StoreEpisode(ctx, ep)
		if err != nil {
			s.logger.Printf("store_episodic_memory: %v", err)
			return okResult{Success: false}, nil
		}
		return okResult{Success: accepted}, nil
	})

	d.Register("search_episodic_memory", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			QueryContext map[string]any `json:"query_context"`
			AgentType    string         `json:"agent_type"`
			Limit        int            `json:"limit"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		results, err := s.coord.SearchEpisodes(ctx, p.QueryContext, p.AgentType, p.Limit)
		if err != nil {
			s.logger.Printf("search_episodic_memory: %v", err)
			return []episodic.SearchResult{}, nil
		}
		if results == nil {
			results = []episodic.SearchResult{}
		}
		return results, nil
	})

	d.Register("search_episodic_text", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		episodes, err := s.coord.SearchEpisodesText(ctx, p.Query, p.Limit)
		if err != nil {
			s.logger.Printf("search_episodic_text: %v", err)
			return []episodic.Episode{}, nil
		}
		if episodes == nil {
			episodes = []episodic.Episode{}
		}
		return episodes, nil
	})

	d.Register("get_recent_successes", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			Limit int `json:"limit"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		episodes, err := s.coord.RecentSuccesses(ctx, p.Limit)
		if err != nil {
			return []episodic.Episode{}, nil
		}
		if episodes == nil {
			episodes = []episodic.Episode{}
		}
		return episodes, nil
	})

	d.Register("store_knowledge_triple", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var t semantic.Triple
		if err := rpc.DecodeParams(params, &t); err != nil {
			return nil, err
		}
		return s.storeResult("store_knowledge_triple", s.coord.StoreKnowledgeTriple(ctx, t))
	})

	d.Register("query_semantic_memory", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			Subject   string `json:"subject"`
			Predicate string `json:"predicate"`
			Object    string `json:"object"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		triples := s.coord.QuerySemantic(ctx, p.Subject, p.Predicate, p.Object)
		if triples == nil {
			triples = []semantic.Triple{}
		}
		return triples, nil
	})

	d.Register("get_related_concepts", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			Concept           string   `json:"concept"`
			RelationshipTypes []string `json:"relationship_types"`
			Depth             int      `json:"depth"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		related := s.coord.RelatedConcepts(ctx, p.Concept, p.RelationshipTypes, p.Depth)
		if related == nil {
			related = []semantic.Related{}
		}
		return related, nil
	})

	d.Register("get_shortest_path", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var p struct {
			Source string `json:"source"`
			Target string `json:"target"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		path, found := s.coord.ShortestPath(ctx, p.Source, p.Target)
		if !found {
			return nil, nil
		}
		return path, nil
	})

	d.Register("log_agent_action", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var entry longterm.ActionLogEntry
		if err := rpc.DecodeParams(params, &entry); err != nil {
			return nil, err
		}
		if entry.AgentType == "" {
			if caller, ok := rpc.CallerFrom(ctx); ok {
				entry.AgentType = caller.AgentType
			}
		}
		return s.storeResult("log_agent_action", s.coord.LogAgentAction(ctx, entry))
	})

	d.Register("store_handoff_context", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var entry longterm.HandoffLogEntry
		if err := rpc.DecodeParams(params, &entry); err != nil {
			return nil, err
		}
		if entry.SourceAgent == "" {
			if caller, ok := rpc.CallerFrom(ctx); ok {
				entry.SourceAgent = caller.AgentID
			}
		}
		result, rpcErr := s.storeResult("store_handoff_context", s.coord.StoreHandoffContext(ctx, entry))
		if rpcErr == nil && result.(okResult).Success && entry.TargetAgent != "" {
			// Asynchronous handoff notification; delivery is best-effort.
			s.hub.Notify(entry.TargetAgent, Notification{Type: "handoff", Payload: entry})
		}
		return result, rpcErr
	})

	d.Register("get_memory_status", func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		return s.coord.MemoryStatus(ctx), nil
	})
}

// storeResult maps storage outcomes onto the boolean envelope. Validation
// failures are logged and reported as success=false, keeping the agent
// loop available.
func (s *Server) storeResult(method string, err error) (any, *rpc.Error) {
	if err != nil {
		s.logger.Printf("%s: %v", method, err)
		return okResult{Success: false}, nil
	}
	return okResult{Success: true}, nil
}
