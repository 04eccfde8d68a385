// Package nl2query translates a natural-language request into a bounded
// graph traversal query via an HTTP translation endpoint. A translator
// response is only ever used after it passes whitelist validation (allowed
// node labels, allowed edge types, a max_hops ceiling, and a mandatory
// container_id scope); anything else falls back to a template query built
// directly from normalized tokens in the request text.
package nl2query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/talhas-laboratory/curated-context-containers/internal/config"
	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
)

// GraphQuery is the structured output of translation: a bounded seed-and-
// expand traversal request. It maps directly onto databases.GraphQueryParams;
// kept as a separate type so a rejected translator response can be compared
// against the allow-listed Schema before ever reaching the graph store.
type GraphQuery struct {
	Labels      []string `json:"labels"`
	EdgeType    string   `json:"edge_type"`
	Hops        int      `json:"hops"`
	ContainerID string   `json:"container_id"`
	SeedTokens  []string `json:"seed_tokens"`
}

func (q GraphQuery) toParams() databases.GraphQueryParams {
	return databases.GraphQueryParams{
		Labels:      q.Labels,
		EdgeType:    q.EdgeType,
		Hops:        q.Hops,
		ContainerID: q.ContainerID,
		SeedTokens:  q.SeedTokens,
	}
}

// Schema is the per-container graph contract a translated query is
// validated against: which node labels and edge types exist, the hop
// ceiling, and the container the query must be scoped to.
type Schema struct {
	AllowedLabels    []string
	AllowedEdgeTypes []string
	MaxHops          int
	ContainerID      string
}

func (s Schema) allowsLabel(l string) bool {
	for _, a := range s.AllowedLabels {
		if a == l {
			return true
		}
	}
	return false
}

func (s Schema) allowsEdge(e string) bool {
	for _, a := range s.AllowedEdgeTypes {
		if a == e {
			return true
		}
	}
	return false
}

// Issue codes recorded in Result.Issues.
const (
	IssueNL2QueryFailed    = "NL2QUERY_FAILED"
	IssueGraphQueryInvalid = "GRAPH_QUERY_INVALID"
)

// Result carries the query to execute plus the diagnostics the retrieval
// path folds into its own issues/debug output.
type Result struct {
	Query    GraphQuery
	Fallback bool
	Issues   []string
}

// Translator converts free-form natural language into a validated GraphQuery.
type Translator struct {
	cfg config.NL2QueryConfig
	cl  *http.Client
}

// New builds a Translator that calls cfg's translation endpoint.
func New(cfg config.NL2QueryConfig) *Translator {
	return &Translator{cfg: cfg, cl: &http.Client{}}
}

type translateReq struct {
	Text   string   `json:"text"`
	Labels []string `json:"allowed_labels"`
	Edges  []string `json:"allowed_edge_types"`
}

// Translate returns a validated GraphQuery. When the endpoint is disabled,
// unreachable, or returns a query the schema rejects, it falls back to
// TemplateQuery so graph seeding can always proceed from the raw text.
func (t *Translator) Translate(ctx context.Context, text string, schema Schema) Result {
	if t == nil || !t.cfg.Enabled {
		return Result{Query: TemplateQuery(text, schema), Fallback: true}
	}
	q, err := t.callEndpoint(ctx, text, schema)
	if err != nil {
		return Result{Query: TemplateQuery(text, schema), Fallback: true, Issues: []string{IssueNL2QueryFailed}}
	}
	if err := validate(q, schema); err != nil {
		return Result{Query: TemplateQuery(text, schema), Fallback: true, Issues: []string{IssueGraphQueryInvalid}}
	}
	return Result{Query: q}
}

// Execute runs a translated/validated-or-fallback query against a graph
// store. Numeric node ids the store returns are coerced to strings by the
// GraphDB implementation itself.
func Execute(ctx context.Context, g databases.GraphDB, q GraphQuery) ([]string, error) {
	if g == nil {
		return nil, nil
	}
	return g.Query(ctx, q.toParams())
}

func (t *Translator) callEndpoint(ctx context.Context, text string, schema Schema) (GraphQuery, error) {
	timeout := time.Duration(t.cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(translateReq{Text: text, Labels: schema.AllowedLabels, Edges: schema.AllowedEdgeTypes})
	if err != nil {
		return GraphQuery{}, err
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, t.cfg.BaseURL+t.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return GraphQuery{}, err
	}
	if t.cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	} else if t.cfg.APIHeader != "" {
		req.Header.Set(t.cfg.APIHeader, t.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.cl.Do(req)
	if err != nil {
		return GraphQuery{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return GraphQuery{}, fmt.Errorf("nl2query: endpoint error %s", resp.Status)
	}
	var q GraphQuery
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return GraphQuery{}, err
	}
	return q, nil
}

// validate enforces the whitelist: every label and the edge type must be
// known to the schema, hops must be within bounds, and the query must be
// scoped to the caller's own container regardless of what the translator
// returned.
func validate(q GraphQuery, schema Schema) error {
	if schema.ContainerID == "" || q.ContainerID != schema.ContainerID {
		return fmt.Errorf("nl2query: %s: query container_id %q does not match request container %q", IssueGraphQueryInvalid, q.ContainerID, schema.ContainerID)
	}
	for _, l := range q.Labels {
		if !schema.allowsLabel(l) {
			return fmt.Errorf("nl2query: %s: label %q not in allowed set", IssueGraphQueryInvalid, l)
		}
	}
	if q.EdgeType != "" && !schema.allowsEdge(q.EdgeType) {
		return fmt.Errorf("nl2query: %s: edge type %q not in allowed set", IssueGraphQueryInvalid, q.EdgeType)
	}
	maxHops := schema.MaxHops
	if maxHops <= 0 {
		maxHops = 1
	}
	if q.Hops <= 0 || q.Hops > maxHops {
		return fmt.Errorf("nl2query: %s: hops %d out of bounds [1,%d]", IssueGraphQueryInvalid, q.Hops, maxHops)
	}
	return nil
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

// TemplateQuery builds a deterministic GraphQuery directly from the request
// text with no label restriction: it matches any node whose
// summary/label/value contains a normalized token, then expands up to
// schema.MaxHops over the first allowed edge type. Used whenever
// translation is unavailable or fails validation.
func TemplateQuery(text string, schema Schema) GraphQuery {
	hops := schema.MaxHops
	if hops <= 0 {
		hops = 1
	}
	var edge string
	if len(schema.AllowedEdgeTypes) > 0 {
		edge = schema.AllowedEdgeTypes[0]
	}
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	return GraphQuery{
		EdgeType:    edge,
		Hops:        hops,
		ContainerID: schema.ContainerID,
		SeedTokens:  tokens,
	}
}
