package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New(nil)

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := decodeBody(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyzWithWritableStorageRoot(t *testing.T) {
	h := New([]Checker{DirWritable("storage", t.TempDir())})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body.Status != "ok" || body.Checks["storage"] != "ok" {
		t.Errorf("body = %+v, want ok storage check", body)
	}
}

func TestReadyzWithBrokenStorageRoot(t *testing.T) {
	// A regular file where the root should be fails the writability check
	// the same way a deleted root would.
	root := filepath.Join(t.TempDir(), "root")
	if err := os.WriteFile(root, []byte("not a dir"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := New([]Checker{DirWritable("storage", root)})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decodeBody(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	if got := body.Checks["storage"]; got == "ok" || got == "" {
		t.Errorf("storage check = %q, want a failure message", got)
	}
}

func TestReadyzReportsEveryCheck(t *testing.T) {
	h := New([]Checker{
		DirWritable("storage", t.TempDir()),
		{Name: "embeddings", Check: func(context.Context) error {
			return errors.New("backend circuit open")
		}},
	})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decodeBody(t, rec)
	if body.Checks["storage"] != "ok" {
		t.Errorf("storage check = %q, want ok", body.Checks["storage"])
	}
	if body.Checks["embeddings"] != "fail: backend circuit open" {
		t.Errorf("embeddings check = %q", body.Checks["embeddings"])
	}
}

func TestReadyzNoCheckersIsReady(t *testing.T) {
	rec := httptest.NewRecorder()
	New(nil).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyzCheckDeadline(t *testing.T) {
	h := New([]Checker{
		{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}, WithCheckTimeout(10*time.Millisecond))

	start := time.Now()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("check ran %v, deadline not applied", elapsed)
	}
}

func TestRegisterMountsBothRoutes(t *testing.T) {
	mux := http.NewServeMux()
	New([]Checker{DirWritable("storage", t.TempDir())}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}
