package testutils

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// UUID returns the n-th predictable canonical UUID, e.g. UUID(1) is
// "00000000-0000-4000-8000-000000000001".
func UUID(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}

// SequentialIDs returns an ID generator yielding UUID(1), UUID(2), ...
// It is safe for concurrent use.
func SequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return UUID(n)
	}
}

// MultipartBody builds a multipart/form-data body with the standard library
// writer. build adds the parts; the close delimiter is written afterwards.
// It fails the test immediately on error.
func MultipartBody(t *testing.T, build func(w *multipart.Writer)) (*bytes.Buffer, *multipart.Writer) {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	build(w)
	require.NoError(t, w.Close(), "Failed to close multipart writer")

	return &body, w
}
