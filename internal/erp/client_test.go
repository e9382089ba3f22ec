package erp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestClient(t *testing.T, handler http.Handler) (*HTTPClient, func()) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	server := httptest.NewServer(handler)
	client := NewHTTPClient(
		server.URL,
		"test-token",
		logger,
		WithRetryConfig(3, time.Millisecond*10, time.Millisecond*100),
	)

	return client, server.Close
}

func TestHTTPClient_FetchPage(t *testing.T) {
	ctx := context.Background()

	t.Run("successful request", func(t *testing.T) {
		client, cleanup := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "GET", r.Method)
			assert.Equal(t, "/products", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "50", r.URL.Query().Get("limit"))

			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[
				{"referencia": "REF-1", "id_product": "1001", "descricao": "Widget"},
				{"referencia": "REF-2", "id_product": "1002", "descricao": "Gadget"}
			]`))
		}))
		defer cleanup()

		limit := 50
		records, err := client.FetchPage(ctx, PageRequest{Page: 2, Limit: &limit})
		require.NoError(t, err)
		require.Len(t, records, 2)

		ref, ok := records[0].StringField("referencia")
		assert.True(t, ok)
		assert.Equal(t, "REF-1", ref)
	})

	t.Run("omits limit when unset", func(t *testing.T) {
		client, cleanup := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.False(t, r.URL.Query().Has("limit"))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		}))
		defer cleanup()

		records, err := client.FetchPage(ctx, PageRequest{Page: 1})
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("sends modified filter and stable sort", func(t *testing.T) {
		client, cleanup := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "2024-01-15T00:00:00Z", r.URL.Query().Get("modified_since"))
			assert.Equal(t, "id", r.URL.Query().Get("sort"))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		}))
		defer cleanup()

		_, err := client.FetchPage(ctx, PageRequest{
			Page:          1,
			ModifiedSince: "2024-01-15T00:00:00Z",
			UseStableSort: true,
		})
		require.NoError(t, err)
	})

	t.Run("retries on server error", func(t *testing.T) {
		var calls int32
		client, cleanup := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[{"referencia": "REF-1"}]`))
		}))
		defer cleanup()

		records, err := client.FetchPage(ctx, PageRequest{Page: 1})
		require.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("honors retry-after on rate limit", func(t *testing.T) {
		var calls int32
		client, cleanup := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		}))
		defer cleanup()

		_, err := client.FetchPage(ctx, PageRequest{Page: 1})
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("rate limit exhausts retries", func(t *testing.T) {
		client, cleanup := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer cleanup()

		_, err := client.FetchPage(ctx, PageRequest{Page: 1})
		require.Error(t, err)
		assert.True(t, IsRateLimit(err))
	})

	t.Run("client error fails immediately", func(t *testing.T) {
		var calls int32
		client, cleanup := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "not found"}`))
		}))
		defer cleanup()

		_, err := client.FetchPage(ctx, PageRequest{Page: 1})
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

		erpErr, ok := err.(*ERPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusNotFound, erpErr.StatusCode)
	})

	t.Run("rejects invalid page", func(t *testing.T) {
		client, cleanup := setupTestClient(t, nil)
		defer cleanup()

		_, err := client.FetchPage(ctx, PageRequest{Page: 0})
		require.Error(t, err)
	})
}
