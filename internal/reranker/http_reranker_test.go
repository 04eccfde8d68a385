package reranker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talhas-laboratory/curated-context-containers/internal/config"
	"github.com/talhas-laboratory/curated-context-containers/internal/retrieve"
)

func TestHTTPReranker_ReordersByScore(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body rerankReq
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		resp := rerankResp{}
		for i := range body.Documents {
			score := 0.1
			if i == 1 {
				score = 0.9
			}
			resp.Results = append(resp.Results, struct {
				Index int     `json:"index"`
				Score float64 `json:"relevance_score"`
			}{Index: i, Score: score})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r := New(config.RerankConfig{Enabled: true, BaseURL: srv.URL, Path: "/rerank"}, config.CircuitBreakerConfig{})
	items := []retrieve.RetrievedItem{{ID: "a", Text: "alpha"}, {ID: "b", Text: "beta"}, {ID: "c", Text: "gamma"}}

	out, err := r.Rerank(t.Context(), "query", items)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "b", out[0].ID, "the document scored 0.9 must be ranked first")
}

func TestHTTPReranker_DegradesOnFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(config.RerankConfig{Enabled: true, BaseURL: srv.URL, Path: "/rerank"}, config.CircuitBreakerConfig{FailureThreshold: 1})
	items := []retrieve.RetrievedItem{{ID: "a"}, {ID: "b"}}

	out, err := r.Rerank(t.Context(), "query", items)
	require.NoError(t, err, "a failed rerank call must degrade, not error, the retrieval request")
	assert.Equal(t, items, out)
}

func TestHTTPReranker_DisabledIsNoop(t *testing.T) {
	t.Parallel()
	r := New(config.RerankConfig{Enabled: false}, config.CircuitBreakerConfig{})
	items := []retrieve.RetrievedItem{{ID: "a"}}
	out, err := r.Rerank(t.Context(), "q", items)
	require.NoError(t, err)
	assert.Equal(t, items, out)
}
