package nl2query

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talhas-laboratory/curated-context-containers/internal/config"
)

var testSchema = Schema{
	AllowedLabels:    []string{"Artist", "Movement"},
	AllowedEdgeTypes: []string{"INFLUENCED_BY"},
	MaxHops:          2,
	ContainerID:      "c1",
}

func TestTranslate_DisabledFallsBackToTemplate(t *testing.T) {
	t.Parallel()
	tr := New(config.NL2QueryConfig{Enabled: false})
	res := tr.Translate(t.Context(), "  Find Recent Invoices  ", testSchema)
	require.True(t, res.Fallback)
	assert.Equal(t, []string{"find", "recent", "invoices"}, res.Query.SeedTokens)
	assert.Equal(t, "c1", res.Query.ContainerID)
	assert.Equal(t, 2, res.Query.Hops)
	assert.Empty(t, res.Issues)
}

func TestTranslate_ValidEndpointResponseIsUsedAsIs(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(GraphQuery{
			Labels:      []string{"Artist"},
			EdgeType:    "INFLUENCED_BY",
			Hops:        1,
			ContainerID: "c1",
			SeedTokens:  []string{"picasso"},
		})
	}))
	defer srv.Close()

	tr := New(config.NL2QueryConfig{Enabled: true, BaseURL: srv.URL, Path: "/translate"})
	res := tr.Translate(t.Context(), "artists influenced by picasso", testSchema)
	require.False(t, res.Fallback)
	assert.Empty(t, res.Issues)
	assert.Equal(t, []string{"Artist"}, res.Query.Labels)
	assert.Equal(t, "INFLUENCED_BY", res.Query.EdgeType)
}

func TestTranslate_EndpointFailureFallsBackWithIssue(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := New(config.NL2QueryConfig{Enabled: true, BaseURL: srv.URL, Path: "/translate"})
	res := tr.Translate(t.Context(), "find docs", testSchema)
	require.True(t, res.Fallback)
	assert.Equal(t, []string{IssueNL2QueryFailed}, res.Issues)
}

func TestTranslate_ForbiddenLabelFallsBackWithInvalidIssue(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(GraphQuery{
			Labels:      []string{"Critic"},
			EdgeType:    "INFLUENCED_BY",
			Hops:        1,
			ContainerID: "c1",
		})
	}))
	defer srv.Close()

	tr := New(config.NL2QueryConfig{Enabled: true, BaseURL: srv.URL, Path: "/translate"})
	res := tr.Translate(t.Context(), "critics of picasso", testSchema)
	require.True(t, res.Fallback)
	assert.Equal(t, []string{IssueGraphQueryInvalid}, res.Issues)
}

func TestTranslate_WrongContainerFallsBackWithInvalidIssue(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(GraphQuery{EdgeType: "INFLUENCED_BY", Hops: 1, ContainerID: "other"})
	}))
	defer srv.Close()

	tr := New(config.NL2QueryConfig{Enabled: true, BaseURL: srv.URL, Path: "/translate"})
	res := tr.Translate(t.Context(), "anything", testSchema)
	require.True(t, res.Fallback)
	assert.Equal(t, []string{IssueGraphQueryInvalid}, res.Issues)
}

func TestTranslate_HopsBeyondMaxFallsBack(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(GraphQuery{EdgeType: "INFLUENCED_BY", Hops: 5, ContainerID: "c1"})
	}))
	defer srv.Close()

	tr := New(config.NL2QueryConfig{Enabled: true, BaseURL: srv.URL, Path: "/translate"})
	res := tr.Translate(t.Context(), "anything", testSchema)
	require.True(t, res.Fallback)
	assert.Equal(t, []string{IssueGraphQueryInvalid}, res.Issues)
}
