package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cache"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

func staticCred(token string) TokenFunc {
	return func() (string, error) { return token, nil }
}

func serveUser(t *testing.T, hits *atomic.Int64, entries func() []model.PublicKeyEntry) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/v1/users/user-9", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		hits.Add(1)
		json.NewEncoder(w).Encode(model.DirectoryUser{
			ID:         "user-9",
			Username:   "nine",
			PublicKeys: entries(),
			IsActive:   true,
		})
	}))
}

func TestLookupCachesEntries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	entries := []model.PublicKeyEntry{
		{KeyID: "enc-1", Algorithm: model.AlgECDHAES256GCM, KeyData: []byte("enc-key"), Status: model.KeyStatusActive},
		{KeyID: "sig-1", Algorithm: model.AlgEd25519, KeyData: []byte("sig-key"), Status: model.KeyStatusActive},
	}
	srv := serveUser(t, &hits, func() []model.PublicKeyEntry { return entries })
	defer srv.Close()

	cl := NewClient(srv.URL, staticCred("tok-1"), cache.NewMemory(time.Minute))

	got, err := cl.Lookup(context.Background(), "user-9")
	require.NoError(t, err)
	require.Equal(t, entries, got)

	got, err = cl.Lookup(context.Background(), "user-9")
	require.NoError(t, err)
	require.Equal(t, entries, got)
	require.EqualValues(t, 1, hits.Load(), "second lookup must come from cache")
}

func TestLookupUnknownUser(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "User not found"})
	}))
	defer srv.Close()

	cl := NewClient(srv.URL, staticCred("tok-1"), cache.NewMemory(time.Minute))

	_, err := cl.Lookup(context.Background(), "user-9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshBypassesCache(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	var generation atomic.Int64
	generation.Store(1)
	srv := serveUser(t, &hits, func() []model.PublicKeyEntry {
		return []model.PublicKeyEntry{{
			KeyID:     "enc-1",
			Algorithm: model.AlgECDHAES256GCM,
			KeyData:   []byte{byte(generation.Load())},
			Status:    model.KeyStatusActive,
		}}
	})
	defer srv.Close()

	cl := NewClient(srv.URL, staticCred("tok-1"), cache.NewMemory(time.Minute))

	got, err := cl.Lookup(context.Background(), "user-9")
	require.NoError(t, err)
	require.Equal(t, []byte{1}, got[0].KeyData)

	// The user rotates; a plain lookup still sees the cached key.
	generation.Store(2)
	got, err = cl.Lookup(context.Background(), "user-9")
	require.NoError(t, err)
	require.Equal(t, []byte{1}, got[0].KeyData)
	require.EqualValues(t, 1, hits.Load())

	got, err = cl.Refresh(context.Background(), "user-9")
	require.NoError(t, err)
	require.Equal(t, []byte{2}, got[0].KeyData)
	require.EqualValues(t, 2, hits.Load())

	// Refresh repopulated the cache with the new entries.
	got, err = cl.Lookup(context.Background(), "user-9")
	require.NoError(t, err)
	require.Equal(t, []byte{2}, got[0].KeyData)
	require.EqualValues(t, 2, hits.Load())
}

func TestCorruptCacheEntryRefetches(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	entries := []model.PublicKeyEntry{
		{KeyID: "enc-1", Algorithm: model.AlgECDHAES256GCM, KeyData: []byte("k"), Status: model.KeyStatusActive},
	}
	srv := serveUser(t, &hits, func() []model.PublicKeyEntry { return entries })
	defer srv.Close()

	keyCache := cache.NewMemory(time.Minute)
	require.NoError(t, keyCache.Set(context.Background(), "dir:keys:user-9", "{not json"))

	cl := NewClient(srv.URL, staticCred("tok-1"), keyCache)

	got, err := cl.Lookup(context.Background(), "user-9")
	require.NoError(t, err)
	require.Equal(t, entries, got)
	require.EqualValues(t, 1, hits.Load())

	// The bad entry was overwritten by the fetch.
	_, err = cl.Lookup(context.Background(), "user-9")
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())
}

func TestPublish(t *testing.T) {
	t.Parallel()

	accept := true
	var published model.PublishKeysRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/v1/keys", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&published))
		json.NewEncoder(w).Encode(model.PublishKeysResponse{Success: accept})
	}))
	defer srv.Close()

	cl := NewClient(srv.URL, staticCred("tok-1"), cache.NewMemory(time.Minute))

	entries := []model.PublicKeyEntry{
		{KeyID: "enc-1", Algorithm: model.AlgECDHAES256GCM, KeyData: []byte("enc"), Status: model.KeyStatusActive},
		{KeyID: "sig-1", Algorithm: model.AlgEd25519, KeyData: []byte("sig"), Status: model.KeyStatusActive},
	}
	require.NoError(t, cl.Publish(context.Background(), entries))
	require.Equal(t, entries, published.Keys)

	accept = false
	require.Error(t, cl.Publish(context.Background(), entries))
}

func TestBackupLifecycle(t *testing.T) {
	t.Parallel()

	var stored string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/keys/backup", r.URL.Path)
		switch r.Method {
		case http.MethodPut:
			var req model.KeyBackup
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			stored = req.Backup
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if stored == "" {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"detail": "No backup found"})
				return
			}
			json.NewEncoder(w).Encode(model.KeyBackup{Backup: stored})
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	cl := NewClient(srv.URL, staticCred("tok-1"), cache.NewMemory(time.Minute))

	_, err := cl.FetchBackup(context.Background())
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cl.PutBackup(context.Background(), "opaque-blob"))

	got, err := cl.FetchBackup(context.Background())
	require.NoError(t, err)
	require.Equal(t, "opaque-blob", got)
}
