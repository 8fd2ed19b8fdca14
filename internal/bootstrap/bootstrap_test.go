package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = `{"name":"default","vBucketServerMap":{"hashAlgorithm":"CRC","numReplicas":0,"serverList":["127.0.0.1:11210"],"vBucketMap":[[0],[0],[0],[0]]}}`

func streamingServer(t *testing.T, docs ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, d := range docs {
			fmt.Fprint(w, d)
			fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}))
}

func hostPort(t *testing.T, srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestFetchOnceParsesFirstDocument(t *testing.T) {
	srv := streamingServer(t, doc)
	defer srv.Close()

	cfg, err := FetchOnce(context.Background(), Options{Host: hostPort(t, srv), Bucket: "default"})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NumVBuckets())
	assert.Equal(t, 1, cfg.NumServers())
}

func TestWatcherSkipsHeartbeatDuplicates(t *testing.T) {
	srv := streamingServer(t, doc, doc, doc)
	defer srv.Close()

	w, err := Open(context.Background(), Options{Host: hostPort(t, srv), Bucket: "default"})
	require.NoError(t, err)
	defer w.Close()

	first, err := w.Next()
	require.NoError(t, err)
	assert.NotNil(t, first)

	_, err = w.Next()
	assert.Error(t, err) // stream ends: remaining docs were duplicate heartbeats
}

func TestWatcherAppliesBasicAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, doc)
	}))
	defer srv.Close()

	_, err := FetchOnce(context.Background(), Options{Host: hostPort(t, srv), Bucket: "default", User: "u", Pass: "p"})
	require.NoError(t, err)
	assert.Equal(t, "Basic dTpw", gotAuth)
}
