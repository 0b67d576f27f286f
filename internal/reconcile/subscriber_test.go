package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mkrull/boorud/internal/domain"
)

// streamServer serves one SSE connection: the connected handshake, one
// job_update, then holds the stream open until the client goes away.
func streamServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, `event: job_update`+"\n"+`data: {"job_id":"a","status":"tagging"}`+"\n\n")
		flusher.Flush()

		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestSubscriberAppliesStream(t *testing.T) {
	ts := streamServer(t)
	fetch := &fakeFetcher{jobs: map[string]domain.Job{
		"a": job("a", domain.StatusDownloading),
	}}

	sub := NewSubscriber(ts.URL, "", fetch, NewList())
	deltas := make(chan Delta, 8)
	sub.OnDelta = func(d Delta) { deltas <- d }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	select {
	case d := <-deltas:
		if len(d.Updated) != 1 || d.Updated[0] != "a" {
			t.Errorf("delta = %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delta")
	}

	// The connected handshake triggered a full refetch, then the thin
	// event patched the record.
	got, ok := sub.List().Get("a")
	if !ok || got.Status != domain.StatusTagging {
		t.Errorf("list record = %+v, want tagging", got)
	}

	// Run is single-flight while a stream is open.
	if err := sub.Run(ctx); err == nil {
		t.Error("second Run did not refuse to start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
