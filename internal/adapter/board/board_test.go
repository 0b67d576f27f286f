package board

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mkrull/boorud/internal/domain"
)

func mediaFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.jpg")
	if err := os.WriteFile(path, []byte("media"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadCreatesPost(t *testing.T) {
	var gotAuth string
	var gotTags []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		var meta struct {
			Tags []string `json:"tags"`
		}
		json.Unmarshal([]byte(r.FormValue("metadata")), &meta)
		gotTags = meta.Tags

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 101})
	}))
	defer ts.Close()

	c := New(ts.URL, "tok")
	res, err := c.Upload(context.Background(), mediaFile(t), []string{"sky", "tree"}, domain.SafetySafe)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.PostID != 101 || res.Duplicate {
		t.Errorf("result = %+v", res)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if !reflect.DeepEqual(gotTags, []string{"sky", "tree"}) {
		t.Errorf("metadata tags = %v", gotTags)
	}
}

func TestUploadConflictIsDuplicateNotError(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"existing_post_id": 55})
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	res, err := c.Upload(context.Background(), mediaFile(t), nil, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !res.Duplicate || res.PostID != 55 {
		t.Errorf("result = %+v, want duplicate of post 55", res)
	}
	// The conflict answer is definitive; it must not be retried.
	if calls != 1 {
		t.Errorf("upload attempts = %d, want 1", calls)
	}
}

func TestPostTagsAndSetPostTags(t *testing.T) {
	var putBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/posts/77", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 77, "tags": []string{"sky"}})
	})
	mux.HandleFunc("PUT /api/posts/77", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&putBody)
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, "")
	ctx := context.Background()

	tags, err := c.PostTags(ctx, 77)
	if err != nil {
		t.Fatalf("PostTags: %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"sky"}) {
		t.Errorf("tags = %v", tags)
	}

	if err := c.SetPostTags(ctx, 77, []string{"sky", "tree"}, domain.SafetySafe); err != nil {
		t.Fatalf("SetPostTags: %v", err)
	}
	if putBody["safety"] != "safe" {
		t.Errorf("put body = %v", putBody)
	}
}

func TestFetchContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/posts/42", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 42, "content_url": "/data/42.png"})
	})
	mux.HandleFunc("GET /data/42.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png bytes"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, "")
	dest := t.TempDir()
	path, err := c.FetchContent(context.Background(), 42, dest)
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	if filepath.Base(path) != "42.png" {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "png bytes" {
		t.Errorf("content = %q, %v", data, err)
	}
}
