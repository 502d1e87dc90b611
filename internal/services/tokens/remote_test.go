package tokens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
)

func newTokenService(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	bundles := map[string]*models.TokenBundle{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tokens", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		out := []*models.TokenBundle{}
		for _, b := range bundles {
			out = append(out, b)
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /api/tokens", func(w http.ResponseWriter, r *http.Request) {
		var b models.TokenBundle
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		bundles[b.Platform] = &b
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /api/tokens/{platform}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		b, ok := bundles[r.PathValue("platform")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(b)
	})
	mux.HandleFunc("DELETE /api/tokens/{platform}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delete(bundles, r.PathValue("platform"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestRemoteBackend_RoundTrip(t *testing.T) {
	server := newTokenService(t)
	backend := NewRemoteBackend(server.URL+"/", time.Second, arbor.NewLogger())
	ctx := context.Background()

	_, err := backend.GetBundle(ctx, "bunjang")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, backend.SaveBundle(ctx, testBundle("bunjang", time.Now())))

	got, err := backend.GetBundle(ctx, "bunjang")
	require.NoError(t, err)
	assert.Len(t, got.Cookies, 2)
	assert.Equal(t, "yGc027-1761629973", got.CSRFToken)

	list, err := backend.ListBundles(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, backend.DeleteBundle(ctx, "bunjang"))
	_, err = backend.GetBundle(ctx, "bunjang")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRemoteBackend_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	backend := NewRemoteBackend(server.URL, time.Second, arbor.NewLogger())
	_, err := backend.GetBundle(context.Background(), "bunjang")

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusServiceUnavailable, remoteErr.StatusCode)
	assert.Contains(t, remoteErr.Message, "database unavailable")
}

func TestStore_WithRemoteBackend(t *testing.T) {
	server := newTokenService(t)
	store := NewStore(NewRemoteBackend(server.URL, time.Second, arbor.NewLogger()), 0, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testBundle("danggeun", time.Now())))
	bundle, ok := store.Valid(ctx, "danggeun")
	require.True(t, ok)
	assert.Equal(t, "danggeun", bundle.Platform)
}
