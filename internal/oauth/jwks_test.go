package oauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/appleauth/internal/cache"
)

func TestJWKS_Find(t *testing.T) {
	set := &JWKS{Keys: []JWK{
		{Kid: "a", Kty: "EC", X: "first"},
		{Kid: "b", Kty: "RSA"},
		{Kid: "a", Kty: "EC", X: "second"},
	}}

	key, ok := set.Find("a")
	require.True(t, ok)
	assert.Equal(t, "first", key.X)

	_, ok = set.Find("missing")
	assert.False(t, ok)

	var empty *JWKS
	_, ok = empty.Find("a")
	assert.False(t, ok)
}

func TestJWK_PublicKey(t *testing.T) {
	ecKey, _ := newTestKey(t)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	t.Run("EC P-256", func(t *testing.T) {
		pub, alg, err := ecJWK("k", &ecKey.PublicKey).PublicKey()
		require.NoError(t, err)
		assert.Equal(t, "ES256", alg)
		assert.True(t, pub.(*ecdsa.PublicKey).Equal(&ecKey.PublicKey))
	})

	t.Run("RSA", func(t *testing.T) {
		jwk := rsaJWK("k", &rsaKey.PublicKey)
		jwk.Alg = ""
		pub, alg, err := jwk.PublicKey()
		require.NoError(t, err)
		assert.Equal(t, "RS256", alg)
		assert.True(t, pub.(*rsa.PublicKey).Equal(&rsaKey.PublicKey))
	})

	t.Run("rejects unsupported keys", func(t *testing.T) {
		cases := map[string]JWK{
			"kty":       {Kty: "oct"},
			"curve":     {Kty: "EC", Crv: "P-384"},
			"ec alg":    {Kty: "EC", Crv: "P-256", Alg: "ES384"},
			"rsa alg":   {Kty: "RSA", Alg: "PS256", N: "AQAB", E: "AQAB"},
			"missing x": {Kty: "EC", Crv: "P-256", Y: "AQAB"},
			"off curve": {Kty: "EC", Crv: "P-256", X: "AQ", Y: "AQ"},
		}
		for name, jwk := range cases {
			t.Run(name, func(t *testing.T) {
				_, _, err := jwk.PublicKey()
				assert.Error(t, err)
			})
		}
	})
}

func TestParseMaxAge(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"no-cache", 0},
		{"max-age=300", 300 * time.Second},
		{"public, max-age=86400, must-revalidate", 24 * time.Hour},
		{"max-age=abc", 0},
		{"max-age=-1", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseMaxAge(tt.header), tt.header)
	}
}

func TestRemoteKeySource(t *testing.T) {
	key, _ := newTestKey(t)
	apple := newFakeApple(t)
	apple.setKeys(ecJWK("k1", &key.PublicKey))

	source := NewRemoteKeySource(apple.server.URL, apple.server.Client(), nil)

	set, err := source.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "k1", set.Keys[0].Kid)

	_, err = source.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), apple.keyFetches.Load(), "every call fetches")
}

func TestRemoteKeySource_Non200(t *testing.T) {
	server := newFakeApple(t)
	source := NewRemoteKeySource(server.server.URL+"/missing", server.server.Client(), nil)

	_, err := source.Keys(context.Background())
	var remoteErr *RemoteRequestError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusNotFound, remoteErr.StatusCode)
}

func TestCachingKeySource(t *testing.T) {
	key, _ := newTestKey(t)
	apple := newFakeApple(t)
	apple.setKeys(ecJWK("k1", &key.PublicKey))

	remote := NewRemoteKeySource(apple.server.URL, apple.server.Client(), nil)
	source := NewCachingKeySource(remote, cache.NewMemoryStore(), time.Hour, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		set, err := source.Keys(ctx)
		require.NoError(t, err)
		require.Len(t, set.Keys, 1)
	}
	assert.Equal(t, int32(1), apple.keyFetches.Load())

	require.NoError(t, source.Invalidate(ctx))
	_, err := source.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), apple.keyFetches.Load())
}

func TestCachingKeySource_DefaultTTL(t *testing.T) {
	store := cache.NewMemoryStore()
	apple := newFakeApple(t)
	apple.setKeys()
	remote := NewRemoteKeySource(apple.server.URL, apple.server.Client(), nil)
	source := NewCachingKeySource(remote, store, 0, nil)
	assert.Equal(t, DefaultKeySetTTL, source.ttl)

	set, err := source.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, set.Keys)

	_, ok, err := store.Get(context.Background(), jwksCacheKey)
	require.NoError(t, err)
	assert.True(t, ok, "an empty but valid key set is cached")
}

func TestCachingKeySource_RefetchesUnreadableEntry(t *testing.T) {
	key, _ := newTestKey(t)
	apple := newFakeApple(t)
	apple.setKeys(ecJWK("k1", &key.PublicKey))

	store := cache.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, jwksCacheKey, []byte("{not json"), time.Hour))

	source := NewCachingKeySource(NewRemoteKeySource(apple.server.URL, apple.server.Client(), nil), store, time.Hour, nil)

	set, err := source.Keys(ctx)
	require.NoError(t, err)
	_, ok := set.Find("k1")
	assert.True(t, ok)
	assert.Equal(t, int32(1), apple.keyFetches.Load())

	cached, ok, err := store.Get(ctx, jwksCacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(cached), `"k1"`)
}

func TestCachingKeySource_CallerCancellationDoesNotFailOthers(t *testing.T) {
	key, _ := newTestKey(t)
	jwks := JWKS{Keys: []JWK{ecJWK("k1", &key.PublicKey)}}

	var fetches atomic.Int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		started <- struct{}{}
		<-release
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)
	var releaseOnce sync.Once
	releaseFetch := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(releaseFetch)

	source := NewCachingKeySource(NewRemoteKeySource(server.URL, server.Client(), nil), cache.NewMemoryStore(), time.Hour, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := source.Keys(firstCtx)
		firstErr <- err
	}()
	<-started

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller kept waiting on the shared fetch")
	}

	type result struct {
		set *JWKS
		err error
	}
	second := make(chan result, 1)
	go func() {
		set, err := source.Keys(context.Background())
		second <- result{set, err}
	}()

	releaseFetch()
	select {
	case res := <-second:
		require.NoError(t, res.err)
		_, ok := res.set.Find("k1")
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not receive the key set")
	}
	assert.Equal(t, int32(1), fetches.Load(), "both callers share one fetch")
}

func TestRemoteKeySource_RejectsOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[],"pad":"` + strings.Repeat("x", maxResponseBytes) + `"}`))
	}))
	t.Cleanup(server.Close)

	_, err := NewRemoteKeySource(server.URL, server.Client(), nil).Keys(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}
