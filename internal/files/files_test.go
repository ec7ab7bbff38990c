package files

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutThenGet(t *testing.T) {
	root := filepath.Join(t.TempDir(), "files")
	h, err := NewHandler(root, "/files/")
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/files/notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Less(t, resp.StatusCode, 300)

	stored, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(stored))

	resp, err = http.Get(srv.URL + "/files/notes.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
}

func TestEmptyRoot(t *testing.T) {
	_, err := NewHandler("", "/files/")
	assert.Error(t, err)
}
