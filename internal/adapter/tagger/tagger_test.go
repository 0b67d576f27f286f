package tagger

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

func inferServer(t *testing.T, answer any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/infer" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(answer)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func mediaFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.jpg")
	if err := os.WriteFile(path, []byte("media"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTagFiltersByThreshold(t *testing.T) {
	ts := inferServer(t, map[string]any{
		"tags": []map[string]any{
			{"name": "sky", "score": 0.9},
			{"name": "maybe_tree", "score": 0.3},
			{"name": "water", "score": 0.5},
		},
		"safety": "safe",
	})

	c := New(ts.URL)
	tags, safety, err := c.Tag(context.Background(), mediaFile(t), 0.5)
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"sky", "water"}) {
		t.Errorf("tags = %v", tags)
	}
	if safety != domain.SafetySafe {
		t.Errorf("safety = %s", safety)
	}
}

func TestTagIgnoresUnknownSafety(t *testing.T) {
	ts := inferServer(t, map[string]any{
		"tags":   []map[string]any{{"name": "sky", "score": 0.9}},
		"safety": "radioactive",
	})

	c := New(ts.URL)
	_, safety, err := c.Tag(context.Background(), mediaFile(t), 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if safety != "" {
		t.Errorf("safety = %q, want empty for unknown rating", safety)
	}
}
