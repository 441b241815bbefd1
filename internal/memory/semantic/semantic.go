// Package semantic implements the typed-relationship knowledge tier: a
// directed labeled multigraph of domain concepts with traversal queries.
//
// The graph is held in-process behind an RWMutex. A fresh store seeds
// itself with a small fixed marketing ontology so traversal queries return
// meaningful results before any learning has happened; the fixture is part
// of the contract, not arbitrary data.
package semantic

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Triple is a directed labeled edge in the knowledge graph.
// (Subject, Predicate, Object) is the natural key: storing the same triple
// again overwrites weight and source instead of duplicating the edge.
type Triple struct {
	Subject   string    `json:"subject"`
	Predicate string    `json:"predicate"`
	Object    string    `json:"object"`
	Weight    float64   `json:"weight"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Related is one concept reached by a traversal from a starting concept.
type Related struct {
	Concept   string   `json:"concept"`
	PathTypes []string `json:"path_types"`
	Distance  int      `json:"distance"`
}

// Status describes the operational state of the tier.
type Status struct {
	Type          string `json:"type"`
	Degraded      bool   `json:"degraded"`
	Concepts      int    `json:"concept_count"`
	Relationships int    `json:"relationship_count"`
}

type edge struct {
	to        string
	predicate string
	weight    float64
	source    string
	createdAt time.Time
}

// Store is the in-process knowledge graph.
type Store struct {
	logger *log.Logger

	mu    sync.RWMutex
	nodes map[string]struct{}
	out   map[string][]edge
	in    map[string][]edge
	edges int
}

// New constructs a store pre-loaded with the default domain ontology.
func New(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEMANTIC] ", log.LstdFlags)
	}
	s := &Store{
		logger: logger,
		nodes:  make(map[string]struct{}),
		out:    make(map[string][]edge),
		in:     make(map[string][]edge),
	}
	s.seed()
	return s
}

// NewEmpty constructs a store without the seed ontology; used by tests
// that need full control over the graph.
func NewEmpty(logger *log.Logger) *Store {
	s := New(logger)
	s.mu.Lock()
	s.nodes = make(map[string]struct{})
	s.out = make(map[string][]edge)
	s.in = make(map[string][]edge)
	s.edges = 0
	s.mu.Unlock()
	return s
}

// StoreTriple upserts one edge, creating subject and object concepts on
// demand. Self-loops are stored only when explicitly requested.
func (s *Store) StoreTriple(_ context.Context, t Triple) error {
	if t.Subject == "" || t.Predicate == "" || t.Object == "" {
		return errors.New("subject, predicate and object required")
	}
	if t.Weight == 0 {
		t.Weight = 1.0
	}
	if t.Source == "" {
		t.Source = "system"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureNode(t.Subject)
	s.ensureNode(t.Object)

	for i, e := range s.out[t.Subject] {
		if e.to == t.Object && e.predicate == t.Predicate {
			s.out[t.Subject][i].weight = t.Weight
			s.out[t.Subject][i].source = t.Source
			s.out[t.Subject][i].createdAt = t.CreatedAt
			s.updateInEdge(t)
			return nil
		}
	}
	e := edge{to: t.Object, predicate: t.Predicate, weight: t.Weight, source: t.Source, createdAt: t.CreatedAt}
	s.out[t.Subject] = append(s.out[t.Subject], e)
	in := e
	in.to = t.Subject
	s.in[t.Object] = append(s.in[t.Object], in)
	s.edges++
	return nil
}

func (s *Store) updateInEdge(t Triple) {
	for i, e := range s.in[t.Object] {
		if e.to == t.Subject && e.predicate == t.Predicate {
			s.in[t.Object][i].weight = t.Weight
			s.in[t.Object][i].source = t.Source
			s.in[t.Object][i].createdAt = t.CreatedAt
			return
		}
	}
}

// QueryTriples returns edges matching the provided fields; empty strings
// match anything.
func (s *Store) QueryTriples(_ context.Context, subject, predicate, object string) []Triple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Triple
	for from, edges := range s.out {
		if subject != "" && from != subject {
			continue
		}
		for _, e := range edges {
			if predicate != "" && e.predicate != predicate {
				continue
			}
			if object != "" && e.to != object {
				continue
			}
			out = append(out, Triple{
				Subject:   from,
				Predicate: e.predicate,
				Object:    e.to,
				Weight:    e.weight,
				Source:    e.source,
				CreatedAt: e.createdAt,
			})
		}
	}
	return out
}

// RelatedConcepts traverses outgoing edges breadth-first from concept, up
// to depth hops. Each reachable concept is reported once, at its shortest
// distance, with the relation types along that path. When relTypes is
// non-empty only matching edges are traversed. The starting concept is
// never included.
func (s *Store) RelatedConcepts(_ context.Context, concept string, relTypes []string, depth int) []Related {
	if depth <= 0 {
		depth = 2
	}
	allowed := map[string]struct{}{}
	for _, rt := range relTypes {
		allowed[rt] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[concept]; !ok {
		return nil
	}

	type frontier struct {
		node  string
		dist  int
		path  []string
	}
	visited := map[string]struct{}{concept: {}}
	queue := []frontier{{node: concept}}
	var out []Related

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.dist >= depth {
			continue
		}
		for _, e := range s.out[cur.node] {
			if len(allowed) > 0 {
				if _, ok := allowed[e.predicate]; !ok {
					continue
				}
			}
			if _, seen := visited[e.to]; seen {
				continue
			}
			visited[e.to] = struct{}{}
			path := append(append([]string(nil), cur.path...), e.predicate)
			out = append(out, Related{Concept: e.to, PathTypes: path, Distance: cur.dist + 1})
			queue = append(queue, frontier{node: e.to, dist: cur.dist + 1, path: path})
		}
	}
	return out
}

// ShortestPath returns the unweighted shortest path between two concepts
// by hop count, ignoring edge direction, or ok=false when no path exists.
func (s *Store) ShortestPath(_ context.Context, source, target string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[source]; !ok {
		return nil, false
	}
	if _, ok := s.nodes[target]; !ok {
		return nil, false
	}
	if source == target {
		return []string{source}, true
	}

	prev := map[string]string{source: source}
	queue := []string{source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		neighbors := make([]string, 0, len(s.out[cur])+len(s.in[cur]))
		for _, e := range s.out[cur] {
			neighbors = append(neighbors, e.to)
		}
		for _, e := range s.in[cur] {
			neighbors = append(neighbors, e.to)
		}
		for _, next := range neighbors {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == target {
				return reconstruct(prev, source, target), true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

// Status reports graph size.
func (s *Store) Status(_ context.Context) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Type:          "in_memory_graph",
		Degraded:      false,
		Concepts:      len(s.nodes),
		Relationships: s.edges,
	}
}

func (s *Store) ensureNode(name string) {
	if _, ok := s.nodes[name]; !ok {
		s.nodes[name] = struct{}{}
	}
}

func reconstruct(prev map[string]string, source, target string) []string {
	var path []string
	for cur := target; ; cur = prev[cur] {
		path = append([]string{cur}, path...)
		if cur == source {
			break
		}
	}
	return path
}

// seed loads the default marketing ontology: channels, strategies,
// outcomes and industries with weighted relationships between them.
func (s *Store) seed() {
	concepts := []string{
		// channels
		"email_marketing", "social_media", "content_marketing", "paid_search", "organic_search",
		// strategies
		"lead_nurturing", "retargeting", "personalization", "segmentation",
		// outcomes
		"conversion", "engagement", "awareness",
		// industries
		"technology", "financial_services", "healthcare", "retail",
	}
	type rel struct {
		subject, predicate, object string
		weight                     float64
	}
	rels := []rel{
		{"email_marketing", "enables", "lead_nurturing", 0.9},
		{"social_media", "drives", "engagement", 0.8},
		{"content_marketing", "supports", "lead_nurturing", 0.8},
		{"paid_search", "enables", "retargeting", 0.7},
		{"lead_nurturing", "leads_to", "conversion", 0.8},
		{"personalization", "improves", "engagement", 0.9},
		{"segmentation", "optimizes", "conversion", 0.7},
		{"retargeting", "increases", "conversion", 0.6},
		{"technology", "prefers", "personalization", 0.8},
		{"financial_services", "responds_to", "content_marketing", 0.7},
		{"healthcare", "suitable_for", "email_marketing", 0.6},
	}

	ctx := context.Background()
	s.mu.Lock()
	for _, c := range concepts {
		s.ensureNode(c)
	}
	s.mu.Unlock()
	for _, r := range rels {
		if err := s.StoreTriple(ctx, Triple{
			Subject:   r.subject,
			Predicate: r.predicate,
			Object:    r.object,
			Weight:    r.weight,
			Source:    "seed",
		}); err != nil {
			s.logger.Printf("warn: seed triple %s-%s->%s: %v", r.subject, r.predicate, r.object, err)
		}
	}
}
