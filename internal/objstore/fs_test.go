package objstore

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/green-detective/detective/internal/config"
)

func newMemStorage(t *testing.T) *FSStorage {
	t.Helper()
	return NewFSWith(afero.NewMemMapFs(), config.StorageConfig{
		Root:          "reports",
		SigningSecret: "test-secret",
		SignedURLBase: "http://localhost:8080/files",
	})
}

func TestFSStorage_PutAndGet(t *testing.T) {
	s := newMemStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "acme/report.xlsx", strings.NewReader("workbook bytes")))

	rc, err := s.Get(ctx, "acme/report.xlsx")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "workbook bytes", string(data))
}

func TestFSStorage_PutOverwrites(t *testing.T) {
	s := newMemStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", strings.NewReader("v1")))
	require.NoError(t, s.Put(ctx, "k", strings.NewReader("v2")))

	rc, err := s.Get(ctx, "k")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestFSStorage_Get_Missing(t *testing.T) {
	s := newMemStorage(t)
	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
}

func TestFSStorage_SignedURL_RoundTrip(t *testing.T) {
	s := newMemStorage(t)

	signed, err := s.SignedURL(context.Background(), "acme/report.xlsx", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/files/acme/report.xlsx", u.Path)

	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)

	assert.True(t, s.Verify("acme/report.xlsx", expires, token))
}

func TestFSStorage_Verify_RejectsTampering(t *testing.T) {
	s := newMemStorage(t)

	signed, err := s.SignedURL(context.Background(), "a.xlsx", time.Hour)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	token := u.Query().Get("token")

	assert.False(t, s.Verify("other.xlsx", expires, token), "token bound to key")
	assert.False(t, s.Verify("a.xlsx", expires+1, token), "token bound to expiry")
	assert.False(t, s.Verify("a.xlsx", expires, "deadbeef"), "forged token")
}

func TestFSStorage_Verify_RejectsExpired(t *testing.T) {
	s := newMemStorage(t)

	expires := time.Now().UTC().Add(-time.Minute).Unix()
	token := s.sign("a.xlsx", expires)
	assert.False(t, s.Verify("a.xlsx", expires, token))
}

func TestFSStorage_SignedURL_RequiresSecret(t *testing.T) {
	s := NewFSWith(afero.NewMemMapFs(), config.StorageConfig{Root: "r", SignedURLBase: "http://x"})
	_, err := s.SignedURL(context.Background(), "k", time.Hour)
	require.Error(t, err)
}
