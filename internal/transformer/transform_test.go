package transformer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/syncengine/internal/queryast"
)

func TestTransform_ResolvesASTAndComputesHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req resolverRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Queries, 1)

		_ = json.NewEncoder(w).Encode([]resolverResponseEntry{
			{ID: req.Queries[0].ID, TransformedAST: &queryast.AST{Table: "issues"}},
		})
	}))
	defer srv.Close()

	tr := New()
	out, err := tr.Transform(t.Context(), nil, []CustomQueryRecord{{ID: "q1", Name: "openIssues"}}, srv.URL)
	require.NoError(t, err)

	result, ok := out.Results["q1"]
	require.True(t, ok)
	require.NotNil(t, result.AST)
	require.Equal(t, queryast.Fingerprint(queryast.AST{Table: "issues"}), result.TransformationHash)
}

func TestTransform_RetriesTransientFailures(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req resolverRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode([]resolverResponseEntry{
			{ID: req.Queries[0].ID, TransformedAST: &queryast.AST{Table: "issues"}},
		})
	}))
	defer srv.Close()

	tr := New()
	out, err := tr.Transform(t.Context(), nil, []CustomQueryRecord{{ID: "q1", Name: "openIssues"}}, srv.URL)
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	require.NotNil(t, out.Results["q1"].AST)
}

func TestTransform_UnreachableAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := New()
	_, err := tr.Transform(t.Context(), nil, []CustomQueryRecord{{ID: "q1", Name: "openIssues"}}, srv.URL)
	require.Error(t, err)

	var unreachable *TransformerUnreachable
	require.ErrorAs(t, err, &unreachable)
}

func TestTransform_PropagatesAppError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req resolverRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode([]resolverResponseEntry{
			{ID: req.Queries[0].ID, Error: "app", Message: "unknown query name"},
		})
	}))
	defer srv.Close()

	tr := New()
	out, err := tr.Transform(t.Context(), nil, []CustomQueryRecord{{ID: "q1", Name: "bogus"}}, srv.URL)
	require.NoError(t, err)

	result := out.Results["q1"]
	require.Equal(t, "app", result.ErrorKind)
	require.Equal(t, "unknown query name", result.Message)
}

func TestTransform_NoResultWhenResolverOmitsAnEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]resolverResponseEntry{})
	}))
	defer srv.Close()

	tr := New()
	_, err := tr.Transform(t.Context(), nil, []CustomQueryRecord{{ID: "q1", Name: "openIssues"}}, srv.URL)
	require.Error(t, err)

	var noResult *NoResult
	require.ErrorAs(t, err, &noResult)
}
