package backup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteops/internal/config"
	"siteops/internal/faults"
)

// fakeS3 answers the path-style PutObject, ListObjectsV2 and DeleteObject
// calls made by S3Store.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]bool
	denied  bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
		return
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != "backups" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPut:
		_, _ = io.Copy(io.Discard, r.Body)
		f.objects[key] = true
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>backups</Name><IsTruncated>false</IsTruncated>`)
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>1</Size></Contents>", k)
			}
		}
		b.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, b.String())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string]bool{"other/backup_full_20240101_000000.tar.gz": true}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store := NewS3Store(config.OffsiteConfig{
		Bucket:    "backups",
		Prefix:    "/site/",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
	})
	return store, fake
}

func TestS3StoreLifecycle(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "backup_full_20240102_000000.tar.gz")
	require.NoError(t, os.WriteFile(local, []byte("archive"), 0600))

	key, err := store.Upload(ctx, "backup_full_20240102_000000.tar.gz", local)
	require.NoError(t, err)
	assert.Equal(t, "site/backup_full_20240102_000000.tar.gz", key)
	assert.True(t, fake.objects[key])

	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"backup_full_20240102_000000.tar.gz"}, names)

	require.NoError(t, store.Delete(ctx, "backup_full_20240102_000000.tar.gz"))
	assert.False(t, fake.objects[key])
	assert.True(t, fake.objects["other/backup_full_20240101_000000.tar.gz"])
}

func TestS3StoreErrors(t *testing.T) {
	store, fake := newTestStore(t)
	fake.denied = true

	_, err := store.List(context.Background())
	assert.ErrorIs(t, err, faults.ErrTransfer)

	_, err = store.Upload(context.Background(), "x.tar.gz", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
