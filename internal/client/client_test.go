package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	httpadapter "github.com/aretw0/transfer/internal/adapters/http"
	"github.com/aretw0/transfer/internal/adapters/file"
	"github.com/aretw0/transfer/internal/adapters/memory"
	"github.com/aretw0/transfer/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := upload.NewService(file.New(t.TempDir()), memory.NewCatalog())
	srv := httptest.NewServer(httpadapter.NewHandler(svc))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Push(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL+"/", WithHTTPClient(srv.Client()))

	result, err := c.Push(context.Background(), "notes.txt", "text/plain", strings.NewReader("pushed"))
	require.NoError(t, err)
	require.Len(t, result.Part, 1)
	assert.Nil(t, result.Part[0].Error)
	assert.True(t, strings.HasPrefix(result.Part[0].URL, srv.URL+"/"))
	assert.True(t, strings.HasSuffix(result.Part[0].URL, "/notes.txt"))

	resp, err := srv.Client().Get(result.Part[0].URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pushed", string(data))
}

func TestClient_Push_ServerRejects(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, WithHTTPClient(srv.Client()))

	result, err := c.Push(context.Background(), "..", "", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	require.NotNil(t, result)
	assert.NotNil(t, result.Error)
}

func TestClient_Push_NotATransferServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html>bad gateway</html>")
	}))
	defer srv.Close()

	result, err := New(srv.URL, WithHTTPClient(srv.Client())).Push(context.Background(), "a", "", strings.NewReader("x"))
	assert.Nil(t, result)
	assert.ErrorContains(t, err, "502")
}
