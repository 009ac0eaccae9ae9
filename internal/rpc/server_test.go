package rpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusedb/fusedb/internal/config"
	enginerr "github.com/fusedb/fusedb/internal/errors"
	"github.com/fusedb/fusedb/internal/search"
	"github.com/fusedb/fusedb/internal/store"
)

// startTestServer brings up a server on a temp socket and returns a
// connected client.
func startTestServer(t *testing.T) *Client {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "fusedbd.sock")
	cfg := config.Default()
	cfg.Store.Path = store.MemoryPath
	cfg.Server.SocketPath = socket

	svc := NewService(cfg, nil)
	require.NoError(t, svc.Open(context.Background(), OpenParams{}))

	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer(socket, svc, 10*time.Second, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.ListenAndServe(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		_ = svc.Close()
	})

	client := NewClient(socket, 5*time.Second)
	require.Eventually(t, client.IsRunning, 2*time.Second, 10*time.Millisecond,
		"server did not come up")
	return client
}

func TestServerClient_Ping(t *testing.T) {
	client := startTestServer(t)
	require.NoError(t, client.Ping(context.Background()))
}

func TestServerClient_InsertAndSearch(t *testing.T) {
	client := startTestServer(t)
	ctx := context.Background()

	result, err := client.InsertDocumentWithEmbedding(ctx, store.InsertRequest{
		Collection: "default",
		Document:   store.DocumentInput{ID: "d1", Content: "hello across the socket"},
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", result.ID)

	resp, err := client.Search(ctx, search.SearchRequest{
		Collection: "default",
		Query:      search.Query{Text: "socket"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "d1", resp.Results[0].ID)
}

func TestServerClient_BulkInsert(t *testing.T) {
	client := startTestServer(t)
	ctx := context.Background()

	result, err := client.BulkInsertDocuments(ctx, []store.InsertRequest{
		{Collection: "default", Document: store.DocumentInput{ID: "a", Content: "first"}},
		{Collection: "default", Document: store.DocumentInput{Content: "second without id"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Saved)

	validation, err := client.ValidateFTSIndex(ctx, "default")
	require.NoError(t, err)
	assert.True(t, validation.Valid)
	assert.Equal(t, int64(2), validation.DocsCount)
}

func TestServerClient_ErrorKindSurvivesBoundary(t *testing.T) {
	client := startTestServer(t)

	_, err := client.InsertDocumentWithEmbedding(context.Background(), store.InsertRequest{
		Collection: "default",
		Document:   store.DocumentInput{ID: "empty"},
	})
	require.Error(t, err)
	assert.Equal(t, enginerr.KindValidation, enginerr.GetKind(err))
}

func TestServerClient_ExportTransfersBytes(t *testing.T) {
	client := startTestServer(t)
	ctx := context.Background()

	_, err := client.InsertDocumentWithEmbedding(ctx, store.InsertRequest{
		Collection: "default",
		Document:   store.DocumentInput{ID: "d1", Content: "snapshot me"},
	})
	require.NoError(t, err)

	data, err := client.Export(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, "SQLite format 3", string(data[:15]))
}

func TestServerClient_TimeoutResolvesLocally(t *testing.T) {
	client := startTestServer(t)

	// An already-expired context forces the deadline path.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := client.Ping(ctx)
	require.Error(t, err)
	assert.Equal(t, enginerr.KindTimeout, enginerr.GetKind(err))
}

func TestClient_TransportErrorWhenWorkerDown(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"), time.Second)

	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, enginerr.KindTransport, enginerr.GetKind(err))
	assert.False(t, client.IsRunning())
}
