package objstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"

	"github.com/green-detective/detective/internal/config"
)

// FSStorage stores objects on a filesystem and signs retrieval URLs with
// an HMAC token so the file endpoint can verify them without state.
type FSStorage struct {
	fs      afero.Fs
	root    string
	secret  []byte
	baseURL string
}

// NewFS creates filesystem-backed storage rooted at cfg.Root.
func NewFS(cfg config.StorageConfig) *FSStorage {
	return NewFSWith(afero.NewOsFs(), cfg)
}

// NewFSWith is NewFS with an explicit filesystem, used by tests with
// afero.NewMemMapFs.
func NewFSWith(fs afero.Fs, cfg config.StorageConfig) *FSStorage {
	return &FSStorage{
		fs:      fs,
		root:    cfg.Root,
		secret:  []byte(cfg.SigningSecret),
		baseURL: cfg.SignedURLBase,
	}
}

func (s *FSStorage) Put(ctx context.Context, key string, r io.Reader) error {
	full := path.Join(s.root, key)
	if err := s.fs.MkdirAll(path.Dir(full), 0o755); err != nil {
		return eris.Wrapf(err, "objstore: mkdir for %s", key)
	}

	f, err := s.fs.Create(full)
	if err != nil {
		return eris.Wrapf(err, "objstore: create %s", key)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return eris.Wrapf(err, "objstore: write %s", key)
	}
	return nil
}

func (s *FSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(path.Join(s.root, key))
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: open %s", key)
	}
	return f, nil
}

// SignedURL returns baseURL/key?expires=unix&token=hmac. The token covers
// key and expiry so neither can be altered.
func (s *FSStorage) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", eris.New("objstore: signing secret not configured")
	}

	expires := time.Now().UTC().Add(expiry).Unix()
	token := s.sign(key, expires)

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", eris.Wrap(err, "objstore: parse base url")
	}
	u.Path = path.Join(u.Path, key)
	q := u.Query()
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks a token produced by SignedURL. Used by the file endpoint.
func (s *FSStorage) Verify(key string, expires int64, token string) bool {
	if time.Now().UTC().Unix() > expires {
		return false
	}
	expected := s.sign(key, expires)
	return hmac.Equal([]byte(expected), []byte(token))
}

func (s *FSStorage) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
