package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chilleregeravi/agents/internal/config"
	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/errors"
)

type stubRetriever struct {
	fn func(ctx context.Context, q *corpus.Query) (*corpus.RetrievalResult, error)
}

func (s *stubRetriever) Retrieve(ctx context.Context, q *corpus.Query) (*corpus.RetrievalResult, error) {
	return s.fn(ctx, q)
}

type stubStatus struct {
	documents, canonical, chunks int
	err                          error
}

func (s *stubStatus) Counts(ctx context.Context) (int, int, int, error) {
	return s.documents, s.canonical, s.chunks, s.err
}

type stubEpoch uint64

func (e stubEpoch) Current() uint64 { return uint64(e) }

func newTestServer(t *testing.T, cfg config.ServerConfig, retriever Retriever) *httptest.Server {
	t.Helper()
	if retriever == nil {
		retriever = &stubRetriever{fn: func(ctx context.Context, q *corpus.Query) (*corpus.RetrievalResult, error) {
			if err := q.Validate(); err != nil {
				return nil, errors.New(errors.ErrCodeInvalidQuery, err.Error(), err)
			}
			return &corpus.RetrievalResult{Epoch: 7, Results: []corpus.RankedChunk{
				{ChunkID: "c1", Text: "the quick brown fox", Score: 1.0,
					Citation: corpus.Citation{SourceURL: "https://example.com/a"}},
			}}, nil
		}}
	}
	srv := NewServer(cfg, retriever, &stubStatus{documents: 5, canonical: 4, chunks: 12}, stubEpoch(7), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postRetrieve(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/retrieve", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRetrieveOK(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, nil)

	resp := postRetrieve(t, ts, `{"tenant_id":"default","query":"fox","k":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result corpus.RetrievalResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, uint64(7), result.Epoch)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "c1", result.Results[0].ChunkID)
	assert.Equal(t, "https://example.com/a", result.Results[0].Citation.SourceURL)
}

func TestRetrieveValidationErrors(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, nil)

	for name, body := range map[string]string{
		"missing tenant": `{"query":"fox","k":5}`,
		"zero k":         `{"tenant_id":"default","query":"fox","k":0}`,
		"malformed json": `{"tenant_id":`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := postRetrieve(t, ts, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var errResp ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
			assert.NotEmpty(t, errResp.Error.Code)
		})
	}
}

func TestRetrieveUnknownFilterKeyRejected(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, nil)

	resp := postRetrieve(t, ts,
		`{"tenant_id":"default","query":"fox","k":5,"filters":{"tag":"foxes"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, errors.ErrCodeInvalidFilter, errResp.Error.Code)
}

func TestRetrieveKnownFiltersAccepted(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, nil)

	resp := postRetrieve(t, ts,
		`{"tenant_id":"default","query":"fox","k":5,"filters":{"tags":["foxes"],"published_after":"2026-01-01T00:00:00Z"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRetrieveMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, nil)

	resp, err := http.Get(ts.URL + "/retrieve")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRetrieveUnavailableSetsRetryAfter(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, &stubRetriever{
		fn: func(ctx context.Context, q *corpus.Query) (*corpus.RetrievalResult, error) {
			return nil, errors.New(errors.ErrCodeStoreUnavailable, "index loading", nil)
		},
	})

	resp := postRetrieve(t, ts, `{"tenant_id":"default","query":"fox","k":5}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestRetrieveInternalErrorIsOpaque(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, &stubRetriever{
		fn: func(ctx context.Context, q *corpus.Query) (*corpus.RetrievalResult, error) {
			return nil, fmt.Errorf("sqlite file /var/lib/corpusd/meta.db is corrupt")
		},
	})

	resp := postRetrieve(t, ts, `{"tenant_id":"default","query":"fox","k":5}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "internal error", errResp.Error.Message)
	assert.NotContains(t, errResp.Error.Message, "/var/lib", "paths must not leak to clients")
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, nil)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 5, status.Documents)
	assert.Equal(t, 4, status.CanonicalDocuments)
	assert.Equal(t, 12, status.Chunks)
	assert.Equal(t, uint64(7), status.Epoch)
}

type cachingStubRetriever struct {
	stubRetriever
	hits, misses uint64
}

func (s *cachingStubRetriever) CacheStats() (uint64, uint64) { return s.hits, s.misses }

func TestStatusReportsCacheStats(t *testing.T) {
	retriever := &cachingStubRetriever{hits: 3, misses: 1}
	retriever.fn = func(ctx context.Context, q *corpus.Query) (*corpus.RetrievalResult, error) {
		return &corpus.RetrievalResult{Epoch: 7}, nil
	}
	ts := newTestServer(t, config.ServerConfig{}, retriever)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, uint64(3), status.CacheHits)
	assert.Equal(t, uint64(1), status.CacheMisses)
	assert.InDelta(t, 0.75, status.CacheHitRatio, 1e-9)
}

func TestRateLimiting(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{RateLimit: 1, Burst: 1}, nil)

	first := postRetrieve(t, ts, `{"tenant_id":"default","query":"fox","k":5}`)
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := postRetrieve(t, ts, `{"tenant_id":"default","query":"fox","k":5}`)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
