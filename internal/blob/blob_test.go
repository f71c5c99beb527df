package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	info, err := s.Put(ctx, "attachment/1/a.txt", strings.NewReader("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	_, err = s.Put(ctx, "attachment/2/b.txt", strings.NewReader("world!"), "")
	require.NoError(t, err)
	_, err = s.Put(ctx, "user/icon/1/me.png", strings.NewReader("png"), "image/png")
	require.NoError(t, err)

	got, rc, err := s.Get(ctx, "attachment/1/a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "text/plain", got.ContentType)

	// Put replaces.
	_, err = s.Put(ctx, "attachment/1/a.txt", strings.NewReader("replaced"), "text/plain")
	require.NoError(t, err)
	_, rc, err = s.Get(ctx, "attachment/1/a.txt")
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "replaced", string(data))

	list, err := s.List(ctx, "attachment/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "attachment/1/a.txt", list[0].Key)
	assert.Equal(t, "attachment/2/b.txt", list[1].Key)

	ok, err := s.Delete(ctx, "attachment/2/b.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Delete(ctx, "attachment/2/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Get(ctx, "attachment/2/b.txt")
	assert.True(t, errors.Is(err, ErrNotFound), "err = %v", err)

	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x"} {
		_, err := s.Put(ctx, bad, strings.NewReader("x"), "")
		assert.Error(t, err, "Put(%q)", bad)
	}
}

func TestFSStore(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())
	storeContract(t, s)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	assert.Equal(t, DriverMemory, s.Driver())
	storeContract(t, s)
}

func TestCopyBetweenStores(t *testing.T) {
	ctx := context.Background()
	src := NewMemory()
	dst, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = src.Put(ctx, AttachmentKey(3, "report.pdf"), strings.NewReader("%PDF"), "application/pdf")
	require.NoError(t, err)

	info, err := Copy(ctx, src, AttachmentKey(3, "report.pdf"), dst, AttachmentKey(9, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "attachment/9/report.pdf", info.Key)
	assert.Equal(t, "application/pdf", info.ContentType)
}

func TestKeysStripDirectories(t *testing.T) {
	assert.Equal(t, "attachment/4/evil.sh", AttachmentKey(4, "../../evil.sh"))
	assert.Equal(t, "user/icon/2/me.png", UserIconKey(2, "me.png"))
	assert.Equal(t, "project/icon/5/logo.png", ProjectIconKey(5, "x/logo.png"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, Options{Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(ctx, Options{Driver: DriverS3})
	assert.Error(t, err, "s3 without a bucket")

	s, err = Open(ctx, Options{Driver: DriverS3, S3: S3Config{
		Bucket: "crate", Endpoint: "http://localhost:9000", AccessKeyID: "k", SecretAccessKey: "s", PathStyle: true,
	}})
	require.NoError(t, err)
	assert.Equal(t, DriverS3, s.Driver())

	_, err = Open(ctx, Options{Driver: "ftp"})
	assert.Error(t, err)
}
