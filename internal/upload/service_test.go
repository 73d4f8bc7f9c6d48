package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	stdmultipart "mime/multipart"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/transfer/internal/adapters/file"
	"github.com/aretw0/transfer/internal/adapters/memory"
	"github.com/aretw0/transfer/internal/metrics"
	"github.com/aretw0/transfer/internal/multipart"
	"github.com/aretw0/transfer/internal/testutils"
	"github.com/aretw0/transfer/pkg/domain"
	"github.com/aretw0/transfer/pkg/ports"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	dir     string
	blobs   *file.Store
	catalog *memory.Catalog
	metrics *metrics.Metrics
	svc     *Service
}

func newFixture(t *testing.T, blobs ports.BlobStore) *fixture {
	t.Helper()
	f := &fixture{
		dir:     t.TempDir(),
		catalog: memory.NewCatalog(),
		metrics: metrics.New(),
	}
	f.blobs = file.New(f.dir)
	if blobs == nil {
		blobs = f.blobs
	}

	f.svc = NewService(blobs, f.catalog,
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return fixedTime }),
		WithIDGenerator(testutils.SequentialIDs()),
	)
	return f
}

func (f *fixture) read(t *testing.T, key domain.FileKey) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, key.ID, key.Name))
	require.NoError(t, err)
	return string(data)
}

func TestService_StoreRaw(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stored, err := f.svc.StoreRaw(ctx, "notes.txt", "text/plain", strings.NewReader("hello\r\nworld"))
	require.NoError(t, err)

	up := stored.Upload
	assert.Equal(t, testutils.UUID(1), up.ID)
	assert.Equal(t, "notes.txt", up.Name)
	assert.Equal(t, int64(12), up.Size)
	assert.Equal(t, "text/plain", up.ContentType)
	assert.Equal(t, fixedTime, up.CreatedAt)
	assert.Equal(t, "hello\r\nworld", f.read(t, up.Key()))

	cataloged, err := f.catalog.Get(ctx, up.ID)
	require.NoError(t, err)
	assert.Equal(t, up, *cataloged)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FilesStored.WithLabelValues(metrics.KindRaw, metrics.OutcomeOK)))
	assert.Equal(t, 12.0, testutil.ToFloat64(f.metrics.BytesStored))
}

func TestService_StoreRaw_SanitizesName(t *testing.T) {
	f := newFixture(t, nil)

	stored, err := f.svc.StoreRaw(context.Background(), "../../etc/passwd", "", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "passwd", stored.Upload.Name)
	assert.Equal(t, "../../etc/passwd", stored.FileName)
}

func TestService_StoreRaw_InvalidName(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.StoreRaw(context.Background(), "..", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidFileName)

	keys, err := f.blobs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FilesStored.WithLabelValues(metrics.KindRaw, metrics.OutcomeError)))
}

func TestService_StoreRaw_SniffsContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

	tests := []struct {
		name     string
		declared string
		body     []byte
		want     string
	}{
		{"octet-stream is sniffed", "application/octet-stream", png, "image/png"},
		{"empty is sniffed", "", png, "image/png"},
		{"declared wins", "application/x-custom", png, "application/x-custom"},
		{"text", "", []byte("plain words"), "text/plain; charset=utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			stored, err := f.svc.StoreRaw(context.Background(), "f", tt.declared, bytes.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Upload.ContentType)
		})
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestService_StoreRaw_ReadFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("connection reset")

	_, err := f.svc.StoreRaw(context.Background(), "f", "", &failingReader{data: []byte("partial"), err: boom})

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.ErrorIs(t, err, boom)

	keys, err := f.blobs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestService_StoreMultipart(t *testing.T) {
	f := newFixture(t, nil)
	body, mw := testutils.MultipartBody(t, func(w *stdmultipart.Writer) {
		fw, _ := w.CreateFormFile("first", "one.txt")
		_, _ = io.WriteString(fw, "first file\r\n")
		require.NoError(t, w.WriteField("comment", "not a file"))
		fw, _ = w.CreateFormFile("second", "two.bin")
		_, _ = io.WriteString(fw, "second")
	})

	out := f.svc.StoreMultipart(context.Background(), multipart.NewReader(body, mw.Boundary()))
	require.NoError(t, out.Err)
	require.Len(t, out.Files, 2)

	assert.Equal(t, "first", out.Files[0].FieldName)
	assert.Equal(t, "one.txt", out.Files[0].Upload.Name)
	assert.Equal(t, "first file\r\n", f.read(t, out.Files[0].Upload.Key()))

	assert.Equal(t, "second", out.Files[1].FieldName)
	assert.Equal(t, "second", f.read(t, out.Files[1].Upload.Key()))

	list, err := f.svc.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestService_StoreMultipart_TruncatedStream(t *testing.T) {
	f := newFixture(t, nil)
	body, mw := testutils.MultipartBody(t, func(w *stdmultipart.Writer) {
		fw, _ := w.CreateFormFile("a", "complete.txt")
		_, _ = io.WriteString(fw, "complete")
		fw, _ = w.CreateFormFile("b", "cut.txt")
		_, _ = io.WriteString(fw, "this will be cut short")
	})
	truncated := body.Bytes()[:bytes.Index(body.Bytes(), []byte("cut short"))]

	out := f.svc.StoreMultipart(context.Background(), multipart.NewReader(bytes.NewReader(truncated), mw.Boundary()))

	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, io.ErrUnexpectedEOF)
	require.Len(t, out.Files, 2)
	assert.NoError(t, out.Files[0].Err)
	assert.Error(t, out.Files[1].Err)
	assert.Equal(t, "cut.txt", out.Files[1].FileName)

	keys, err := f.blobs.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.FileKey{out.Files[0].Upload.Key()}, keys)
}

func TestService_StoreMultipart_MissingOpeningDelimiter(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.StoreMultipart(context.Background(), multipart.NewReader(strings.NewReader("no parts here\r\n"), "xyz"))

	assert.ErrorIs(t, out.Err, io.ErrUnexpectedEOF)
	assert.Empty(t, out.Files)
}

// rejectingStore fails Create for one file name.
type rejectingStore struct {
	ports.BlobStore
	reject string
}

func (s *rejectingStore) Create(ctx context.Context, key domain.FileKey) (ports.BlobWriter, error) {
	if key.Name == s.reject {
		return nil, errors.New("disk full")
	}
	return s.BlobStore.Create(ctx, key)
}

func TestService_StoreMultipart_StorageFailureContinues(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, &rejectingStore{BlobStore: file.New(dir), reject: "bad.txt"})
	f.dir = dir

	body, mw := testutils.MultipartBody(t, func(w *stdmultipart.Writer) {
		fw, _ := w.CreateFormFile("a", "bad.txt")
		_, _ = io.WriteString(fw, "rejected")
		fw, _ = w.CreateFormFile("b", "good.txt")
		_, _ = io.WriteString(fw, "accepted")
	})

	out := f.svc.StoreMultipart(context.Background(), multipart.NewReader(body, mw.Boundary()))

	require.NoError(t, out.Err)
	require.Len(t, out.Files, 2)
	assert.ErrorContains(t, out.Files[0].Err, "disk full")
	require.NoError(t, out.Files[1].Err)
	assert.Equal(t, "accepted", f.read(t, out.Files[1].Upload.Key()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FilesStored.WithLabelValues(metrics.KindMultipart, metrics.OutcomeError)))
}

func TestService_StoreForm(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.StoreForm(context.Background(), strings.NewReader("greeting=hello%20world&my+file=x+y&bare%21&=anon"))
	require.NoError(t, out.Err)
	require.Len(t, out.Files, 4)

	want := []struct{ field, name, content string }{
		{"greeting", "greeting", "hello world"},
		{"my file", "my file", "x y"},
		{"", domain.DefaultFileName, "bare!"},
		{"", domain.DefaultFileName, "anon"},
	}
	for i, w := range want {
		got := out.Files[i]
		require.NoError(t, got.Err, "pair %d", i)
		assert.Equal(t, w.field, got.FieldName)
		assert.Equal(t, w.name, got.Upload.Name)
		assert.Equal(t, w.content, f.read(t, got.Upload.Key()))
	}
}

func TestService_StoreForm_BadEncoding(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.StoreForm(context.Background(), strings.NewReader("ok=1&broken=%zz&also%zz=2"))
	require.NoError(t, out.Err)
	require.Len(t, out.Files, 3)
	assert.NoError(t, out.Files[0].Err)
	assert.ErrorIs(t, out.Files[1].Err, ErrBadEncoding)
	assert.ErrorIs(t, out.Files[2].Err, domain.ErrInvalidFileName)

	keys, err := f.blobs.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.FileKey{out.Files[0].Upload.Key()}, keys)
}

func TestService_StoreForm_TruncatedEscape(t *testing.T) {
	for _, in := range []string{"v=abc%", "v=abc%4", "v=abc%4&next=ok"} {
		t.Run(in, func(t *testing.T) {
			f := newFixture(t, nil)
			out := f.svc.StoreForm(context.Background(), strings.NewReader(in))
			require.NoError(t, out.Err)
			require.NotEmpty(t, out.Files)
			assert.ErrorIs(t, out.Files[0].Err, ErrBadEncoding)
			for _, stored := range out.Files[1:] {
				assert.NoError(t, stored.Err)
			}
		})
	}
}

func TestService_StoreForm_SkipsEmptyPairs(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.StoreForm(context.Background(), strings.NewReader("&a=1&&b=2&"))
	require.NoError(t, out.Err)
	require.Len(t, out.Files, 2)
	assert.Equal(t, "1", f.read(t, out.Files[0].Upload.Key()))
	assert.Equal(t, "2", f.read(t, out.Files[1].Upload.Key()))
}

func TestService_StoreForm_LongUnnamedValue(t *testing.T) {
	f := newFixture(t, nil)
	value := strings.Repeat("x", 3*maxFormNameLen) + "%41+"

	out := f.svc.StoreForm(context.Background(), strings.NewReader(value+"&k=v"))
	require.NoError(t, out.Err)
	require.Len(t, out.Files, 2)
	require.NoError(t, out.Files[0].Err)
	assert.Equal(t, domain.DefaultFileName, out.Files[0].Upload.Name)
	assert.Empty(t, out.Files[0].FieldName)
	assert.Equal(t, strings.Repeat("x", 3*maxFormNameLen)+"A ", f.read(t, out.Files[0].Upload.Key()))
	assert.Equal(t, "v", f.read(t, out.Files[1].Upload.Key()))
}

// filler yields n copies of one byte.
type filler struct {
	c byte
	n int64
}

func (r *filler) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.n {
		p = p[:r.n]
	}
	for i := range p {
		p[i] = r.c
	}
	r.n -= int64(len(p))
	return len(p), nil
}

func TestService_StoreForm_LargeValueIsStreamed(t *testing.T) {
	const size = 16 << 20
	f := newFixture(t, nil)
	body := io.MultiReader(strings.NewReader("big="), &filler{c: 'x', n: size}, strings.NewReader("&small=ok"))

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	out := f.svc.StoreForm(context.Background(), body)
	runtime.ReadMemStats(&after)

	require.NoError(t, out.Err)
	require.Len(t, out.Files, 2)
	require.NoError(t, out.Files[0].Err)
	assert.Equal(t, int64(size), out.Files[0].Upload.Size)
	assert.Equal(t, "ok", f.read(t, out.Files[1].Upload.Key()))

	info, err := os.Stat(filepath.Join(f.dir, out.Files[0].Upload.ID, "big"))
	require.NoError(t, err)
	assert.Equal(t, int64(size), info.Size())

	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(size/4), "value was buffered")
}

func TestService_StoreForm_ReadFailure(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("connection reset")

	out := f.svc.StoreForm(context.Background(), &failingReader{data: []byte("a=1&b=partial"), err: boom})

	var streamErr *StreamError
	require.ErrorAs(t, out.Err, &streamErr)
	assert.ErrorIs(t, out.Err, boom)
	require.Len(t, out.Files, 2)
	assert.NoError(t, out.Files[0].Err)
	assert.ErrorIs(t, out.Files[1].Err, boom)

	keys, err := f.blobs.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.FileKey{out.Files[0].Upload.Key()}, keys)
}

// failingCatalog rejects every Put.
type failingCatalog struct {
	ports.Catalog
}

func (failingCatalog) Put(context.Context, domain.Upload) error {
	return errors.New("catalog down")
}

func TestService_CatalogFailureDiscardsFile(t *testing.T) {
	f := newFixture(t, nil)
	svc := NewService(f.blobs, failingCatalog{Catalog: f.catalog}, WithIDGenerator(testutils.SequentialIDs()))

	_, err := svc.StoreRaw(context.Background(), "f.txt", "", strings.NewReader("x"))
	assert.ErrorContains(t, err, "catalog down")

	keys, err := f.blobs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// uncommittableStore creates writers whose Commit always fails.
type uncommittableStore struct {
	ports.BlobStore
}

func (s uncommittableStore) Create(ctx context.Context, key domain.FileKey) (ports.BlobWriter, error) {
	w, err := s.BlobStore.Create(ctx, key)
	if err != nil {
		return nil, err
	}
	return uncommittableWriter{BlobWriter: w}, nil
}

type uncommittableWriter struct {
	ports.BlobWriter
}

func (w uncommittableWriter) Commit(string) error {
	_ = w.BlobWriter.Abort()
	return errors.New("rename failed")
}

func TestService_CommitFailureForgetsUpload(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, uncommittableStore{BlobStore: file.New(dir)})

	_, err := f.svc.StoreRaw(context.Background(), "f.txt", "", strings.NewReader("x"))
	assert.ErrorContains(t, err, "rename failed")

	list, err := f.svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestService_Sweep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	kept, err := f.svc.StoreRaw(ctx, "kept.txt", "", strings.NewReader("kept"))
	require.NoError(t, err)
	expired, err := f.svc.StoreRaw(ctx, "expired.txt", "", strings.NewReader("expired"))
	require.NoError(t, err)
	require.NoError(t, f.catalog.Delete(ctx, expired.Upload.ID))

	stray := domain.FileKey{ID: "22222222-2222-4222-8222-222222222222", Name: "stray.bin"}
	w, err := f.blobs.Create(ctx, stray)
	require.NoError(t, err)
	require.NoError(t, w.Commit(""))

	removed, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := f.blobs.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.FileKey{kept.Upload.Key()}, keys)

	removed, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestService_Open(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stored, err := f.svc.StoreRaw(ctx, "page.html", "text/html", strings.NewReader("<p>hi</p>"))
	require.NoError(t, err)

	blob, err := f.svc.Open(ctx, stored.Upload.Key())
	require.NoError(t, err)
	defer blob.Body.Close()

	data, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(data))
	assert.Equal(t, "text/html", blob.ContentType)
	assert.Equal(t, int64(9), blob.Size)

	_, err = f.svc.Open(ctx, domain.FileKey{ID: stored.Upload.ID, Name: "other.html"})
	assert.ErrorIs(t, err, domain.ErrFileNotFound)

	_, err = f.svc.Open(ctx, domain.FileKey{ID: "not-a-uuid", Name: "page.html"})
	assert.ErrorIs(t, err, domain.ErrFileNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Downloads.WithLabelValues(metrics.OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Downloads.WithLabelValues(metrics.OutcomeNotFound)))
}

func TestService_Reindex(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	key := domain.FileKey{ID: "11111111-1111-4111-8111-111111111111", Name: "old.txt"}
	w, err := f.blobs.Create(ctx, key)
	require.NoError(t, err)
	_, err = io.WriteString(w, "left over from a previous run")
	require.NoError(t, err)
	require.NoError(t, w.Commit(""))

	added, err := f.svc.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	up, err := f.catalog.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "old.txt", up.Name)
	assert.Equal(t, int64(29), up.Size)
	assert.Equal(t, "text/plain; charset=utf-8", up.ContentType)
	assert.False(t, up.CreatedAt.IsZero())

	added, err = f.svc.Reindex(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}
