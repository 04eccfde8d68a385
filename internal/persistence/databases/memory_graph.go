package databases

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type edgeKey struct{ src, rel string }

type memoryGraph struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[edgeKey]map[string]map[string]any // key:(src,rel) -> dst -> props
}

func NewMemoryGraph() GraphDB {
	return &memoryGraph{
		nodes: make(map[string]Node),
		edges: make(map[edgeKey]map[string]map[string]any),
	}
}

func (m *memoryGraph) UpsertNode(_ context.Context, id string, labels []string, props map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	m.nodes[id] = Node{ID: id, Labels: append([]string{}, labels...), Props: cp}
	return nil
}

func (m *memoryGraph) UpsertEdge(_ context.Context, srcID, rel, dstID string, props map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey{src: srcID, rel: rel}
	m.ensureEdgeKey(key)
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	m.edges[key][dstID] = cp
	return nil
}

func (m *memoryGraph) Neighbors(_ context.Context, id string, rel string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := edgeKey{src: id, rel: rel}
	var out []string
	if dsts, ok := m.edges[key]; ok {
		for dst := range dsts {
			out = append(out, dst)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryGraph) GetNode(_ context.Context, id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

func (m *memoryGraph) Query(_ context.Context, q GraphQueryParams) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	labelSet := make(map[string]struct{}, len(q.Labels))
	for _, l := range q.Labels {
		labelSet[l] = struct{}{}
	}
	tokens := make([]string, 0, len(q.SeedTokens))
	for _, t := range q.SeedTokens {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tokens = append(tokens, t)
		}
	}

	visited := map[string]struct{}{}
	frontier := make([]string, 0)
	for id, n := range m.nodes {
		if q.ContainerID != "" {
			if cid, _ := n.Props["container_id"].(string); cid != q.ContainerID {
				continue
			}
		}
		if len(labelSet) > 0 {
			matched := false
			for _, l := range n.Labels {
				if _, ok := labelSet[l]; ok {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if len(tokens) > 0 {
			hay := strings.ToLower(fmt.Sprint(n.Props["summary"]) + " " + fmt.Sprint(n.Props["label"]) + " " + fmt.Sprint(n.Props["value"]))
			matched := false
			for _, t := range tokens {
				if strings.Contains(hay, t) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		visited[id] = struct{}{}
		frontier = append(frontier, id)
	}

	hops := q.Hops
	if hops <= 0 {
		hops = 1
	}
	for h := 0; h < hops && len(frontier) > 0; h++ {
		var next []string
		for _, id := range frontier {
			key := edgeKey{src: id, rel: q.EdgeType}
			for dst := range m.edges[key] {
				if _, ok := visited[dst]; !ok {
					visited[dst] = struct{}{}
					next = append(next, dst)
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryGraph) ensureEdgeKey(k edgeKey) {
	if _, ok := m.edges[k]; !ok {
		m.edges[k] = make(map[string]map[string]any)
	}
}
