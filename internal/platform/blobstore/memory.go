package blobstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type storedBlob struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe in-memory Store. Its public URLs are
// HMAC-signed links served by ServeSigned.
type MemoryStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewMemoryStore returns an empty store whose public URLs are rooted at
// baseURL (e.g. "http://localhost:8000/blobs").
func NewMemoryStore(baseURL string, secret []byte) *MemoryStore {
	return &MemoryStore{
		blobs:   make(map[string]*storedBlob),
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, path string, r io.Reader, size int64, opts PutOptions) (*Object, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("short write: expected %d bytes, got %d", size, len(data))
	}

	h := sha256.Sum256(data)
	obj := Object{
		Path:         path,
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
		Size:         int64(len(data)),
		SHA256:       hex.EncodeToString(h[:]),
		CreatedAt:    s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; ok {
		return nil, ErrExists
	}
	s.blobs[path] = &storedBlob{object: obj, content: data}

	out := obj
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, path string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	blob, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	obj := blob.object
	return io.NopCloser(bytes.NewReader(blob.content)), &obj, nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, path)
	return nil
}

func (s *MemoryStore) PublicURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(path, expires))
	return s.baseURL + "/" + path + "?" + q.Encode(), nil
}

// Len reports how many blobs are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *MemoryStore) sign(path string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", path, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// ServeSigned serves GET <baseURL>/* for links minted by PublicURL.
func (s *MemoryStore) ServeSigned(c echo.Context) error {
	path := c.Param("*")
	expires, err := strconv.ParseInt(c.QueryParam("expires"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "invalid link")
	}
	if s.now().Unix() > expires {
		return echo.NewHTTPError(http.StatusForbidden, "link expired")
	}
	if !hmac.Equal([]byte(c.QueryParam("sig")), []byte(s.sign(path, expires))) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid link")
	}

	rc, obj, err := s.Get(c.Request().Context(), path)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "blob not found")
	}
	defer rc.Close()

	if obj.CacheControl != "" {
		c.Response().Header().Set("Cache-Control", obj.CacheControl)
	}
	return c.Stream(http.StatusOK, obj.ContentType, rc)
}
