package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// artifactServer is a minimal in-memory artifact store speaking the
// HTTP endpoint protocol.
type artifactServer struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact
	authed    []string
}

func newArtifactServer() *artifactServer {
	return &artifactServer{artifacts: make(map[string]*Artifact)}
}

func (s *artifactServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, artifactPath)
	s.authed = append(s.authed, r.Header.Get("Authorization"))

	switch r.Method {
	case http.MethodHead:
		if _, ok := s.artifacts[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	case http.MethodGet:
		artifact, ok := s.artifacts[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if artifact.Tag != "" {
			w.Header().Set(headerTag, artifact.Tag)
		}
		w.Header().Set(headerDuration, "1500")
		_, _ = w.Write(artifact.Body)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.artifacts[key] = &Artifact{Body: body, Tag: r.Header.Get(headerTag)}
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPClientRoundTrip(t *testing.T) {
	store := newArtifactServer()
	srv := httptest.NewServer(store)
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret", 5*time.Second)
	ctx := context.Background()

	ok, err := client.ArtifactExists(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, ok)

	put := &Artifact{Body: []byte("tarball bytes"), Tag: "tag-1", Duration: 1500 * time.Millisecond}
	require.NoError(t, client.PutArtifact(ctx, "abc123", put))

	ok, err = client.ArtifactExists(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := client.FetchArtifact(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, []byte("tarball bytes"), got.Body)
	assert.Equal(t, "tag-1", got.Tag)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)

	for _, auth := range store.authed {
		assert.Equal(t, "Bearer secret", auth)
	}
}

func TestHTTPClientFetchMiss(t *testing.T) {
	srv := httptest.NewServer(newArtifactServer())
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", time.Second)
	_, err := client.FetchArtifact(context.Background(), "missing")
	assert.True(t, IsMiss(err))
}

func TestHTTPClientServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", time.Second)
	ctx := context.Background()

	_, err := client.ArtifactExists(ctx, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	_, err = client.FetchArtifact(ctx, "k")
	require.Error(t, err)
	assert.False(t, IsMiss(err), "a server failure is not a miss")

	err = client.PutArtifact(ctx, "k", &Artifact{Body: []byte("x")})
	require.Error(t, err)
}

func TestHTTPClientWorksWithRemoteProvider(t *testing.T) {
	srv := httptest.NewServer(newArtifactServer())
	defer srv.Close()

	anchor := t.TempDir()
	writeWorkspaceFile(t, anchor, "dist/out.txt", "built")

	signer := NewSigner([]byte("shared-key"))
	provider := NewRemote(NewHTTPClient(srv.URL, "tok", time.Second), signer)
	ctx := context.Background()

	entry := &Entry{ExitCode: 0, Log: []byte("ok\n"), Duration: time.Second, Files: []string{"dist/out.txt"}}
	require.NoError(t, provider.Put(ctx, anchor, "key1", entry))

	restore := t.TempDir()
	got, err := provider.Get(ctx, restore, "key1")
	require.NoError(t, err)
	assert.Equal(t, entry.Files, got.Files)
	assert.Equal(t, "built", readWorkspaceFile(t, restore, "dist/out.txt"))
}

func TestParseDurationHeader(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, parseDurationHeader("1500"))
	assert.Equal(t, time.Duration(0), parseDurationHeader(""))
	assert.Equal(t, time.Duration(0), parseDurationHeader("soon"))
	assert.Equal(t, time.Duration(0), parseDurationHeader("-10"))
}
