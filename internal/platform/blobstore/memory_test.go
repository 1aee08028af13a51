package blobstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTestStore() *MemoryStore {
	return NewMemoryStore("http://localhost:8000/blobs", []byte("blob-secret"))
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	obj, err := s.Put(ctx, "owner-1/1700000000000.pdf", strings.NewReader("%PDF-1.7"), 8, PutOptions{
		ContentType:  "application/pdf",
		CacheControl: "max-age=3600",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if obj.Size != 8 || obj.SHA256 == "" || obj.CacheControl != "max-age=3600" {
		t.Errorf("unexpected object %+v", obj)
	}

	rc, got, err := s.Get(ctx, "owner-1/1700000000000.pdf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "%PDF-1.7" || got.ContentType != "application/pdf" {
		t.Errorf("unexpected content %q / %+v", data, got)
	}
}

func TestMemoryStore_PutNeverOverwrites(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	if _, err := s.Put(ctx, "a/1.png", strings.NewReader("one"), -1, PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := s.Put(ctx, "a/1.png", strings.NewReader("two"), -1, PutOptions{})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestMemoryStore_ShortWrite(t *testing.T) {
	s := newTestStore()
	if _, err := s.Put(context.Background(), "a/1.png", strings.NewReader("abc"), 10, PutOptions{}); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if s.Len() != 0 {
		t.Errorf("expected nothing stored, got %d", s.Len())
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	_, _ = s.Put(ctx, "a/1.png", strings.NewReader("x"), 1, PutOptions{})

	if err := s.Delete(ctx, "a/1.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.Get(ctx, "a/1.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "a/1.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"owner/123.pdf", true},
		{"", false},
		{"/abs/1.pdf", false},
		{"owner/../other/1.pdf", false},
		{"owner//1.pdf", false},
		{`owner\1.pdf`, false},
	}
	for _, tt := range tests {
		err := ValidatePath(tt.path)
		if (err == nil) != tt.ok {
			t.Errorf("ValidatePath(%q) err=%v, want ok=%v", tt.path, err, tt.ok)
		}
	}
}

func TestMemoryStore_PublicURL_ServeSigned(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	_, _ = s.Put(ctx, "o/1.png", strings.NewReader("png-bytes"), -1, PutOptions{ContentType: "image/png", CacheControl: "max-age=3600"})

	link, err := s.PublicURL(ctx, "o/1.png", time.Minute)
	if err != nil {
		t.Fatalf("public url: %v", err)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	e := echo.New()
	e.GET("/blobs/*", s.ServeSigned)

	req := httptest.NewRequest(http.MethodGet, u.RequestURI(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "png-bytes" || rec.Header().Get("Cache-Control") != "max-age=3600" {
		t.Errorf("unexpected response %q headers %v", rec.Body.String(), rec.Header())
	}

	tampered := strings.Replace(u.RequestURI(), "o/1.png", "o/2.png", 1)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tampered, nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for tampered path, got %d", rec.Code)
	}
}

func TestMemoryStore_PublicURL_Expired(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	_, _ = s.Put(ctx, "o/1.png", strings.NewReader("x"), -1, PutOptions{})

	link, _ := s.PublicURL(ctx, "o/1.png", time.Minute)
	u, _ := url.Parse(link)
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	e := echo.New()
	e.GET("/blobs/*", s.ServeSigned)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for expired link, got %d", rec.Code)
	}
}

func TestMemoryStore_PublicURL_Missing(t *testing.T) {
	if _, err := newTestStore().PublicURL(context.Background(), "nope/1.pdf", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ConcurrentPuts(t *testing.T) {
	s := newTestStore()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(context.Background(), "same/path.pdf", strings.NewReader("x"), 1, PutOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrExists) {
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("expected exactly one successful put, got %d", ok)
	}
}
