package reconcile

import (
	"context"
	"reflect"
	"testing"

	"github.com/mkrull/boorud/internal/domain"
)

// fakeFetcher is a ground-truth source backed by a map.
type fakeFetcher struct {
	jobs  map[string]domain.Job
	calls int
}

func (f *fakeFetcher) Job(_ context.Context, id string) (*domain.Job, error) {
	f.calls++
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := job
	return &cp, nil
}

func (f *fakeFetcher) Jobs(context.Context) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeFetcher) Stats(context.Context) (*domain.Stats, error) {
	return &domain.Stats{Total: len(f.jobs)}, nil
}

func job(id string, status domain.Status) domain.Job {
	return domain.Job{ID: id, Type: domain.TypeURL, Status: status}
}

func TestResetReplacesView(t *testing.T) {
	l := NewList()
	l.Reset([]domain.Job{job("a", domain.StatusPending), job("b", domain.StatusDownloading)})

	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2", l.Len())
	}
	counts := l.Counts()
	if counts[domain.StatusPending] != 1 || counts[domain.StatusDownloading] != 1 {
		t.Errorf("counts = %v", counts)
	}

	l.Reset(nil)
	if l.Len() != 0 {
		t.Errorf("len after empty reset = %d", l.Len())
	}
}

func TestApplyPatchesKnownJob(t *testing.T) {
	l := NewList()
	l.Reset([]domain.Job{job("a", domain.StatusDownloading)})
	f := &fakeFetcher{jobs: map[string]domain.Job{}}

	delta, err := l.Apply(context.Background(), domain.Update{
		JobID:  "a",
		Status: domain.StatusTagging,
	}, f)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(delta.Updated, []string{"a"}) || len(delta.Added) != 0 {
		t.Errorf("delta = %+v", delta)
	}
	got, ok := l.Get("a")
	if !ok || got.Status != domain.StatusTagging {
		t.Errorf("patched job = %+v", got)
	}
	// A thin stage update needs no fetch at all.
	if f.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", f.calls)
	}
	if l.Counts()[domain.StatusTagging] != 1 {
		t.Errorf("counts = %v", l.Counts())
	}
}

func TestApplyFetchesUnknownJob(t *testing.T) {
	l := NewList()
	full := job("new", domain.StatusPending)
	full.URL = "https://example.com/a.jpg"
	f := &fakeFetcher{jobs: map[string]domain.Job{"new": full}}

	delta, err := l.Apply(context.Background(), domain.Update{
		JobID:  "new",
		Status: domain.StatusPending,
	}, f)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(delta.Added, []string{"new"}) {
		t.Errorf("delta = %+v", delta)
	}
	got, ok := l.Get("new")
	if !ok || got.URL != full.URL {
		t.Errorf("added job = %+v, want full record", got)
	}
}

func TestApplyNewestFirst(t *testing.T) {
	l := NewList()
	l.Reset([]domain.Job{job("old", domain.StatusPending)})
	f := &fakeFetcher{jobs: map[string]domain.Job{"new": job("new", domain.StatusPending)}}

	if _, err := l.Apply(context.Background(), domain.Update{JobID: "new", Status: domain.StatusPending}, f); err != nil {
		t.Fatal(err)
	}
	jobs := l.Jobs()
	if len(jobs) != 2 || jobs[0].ID != "new" {
		t.Errorf("jobs = %+v, want newest first", jobs)
	}
}

func TestApplyDiscardsInvisibleJob(t *testing.T) {
	l := NewList()
	f := &fakeFetcher{jobs: map[string]domain.Job{}}

	delta, err := l.Apply(context.Background(), domain.Update{
		JobID:  "ghost",
		Status: domain.StatusPending,
	}, f)
	if err != nil {
		t.Fatalf("invisible job surfaced an error: %v", err)
	}
	if !delta.Empty() {
		t.Errorf("delta = %+v, want empty", delta)
	}
	if l.Len() != 0 {
		t.Error("invisible job entered the view")
	}
}

func TestApplyResultTriggersRefetch(t *testing.T) {
	l := NewList()
	l.Reset([]domain.Job{job("a", domain.StatusUploading)})

	full := job("a", domain.StatusCompleted)
	full.TargetPostID = 101
	full.TagsApplied = []string{"sky", "tree"}
	f := &fakeFetcher{jobs: map[string]domain.Job{"a": full}}

	delta, err := l.Apply(context.Background(), domain.Update{
		JobID:        "a",
		Status:       domain.StatusCompleted,
		TargetPostID: 101,
	}, f)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(delta.Updated, []string{"a"}) {
		t.Errorf("delta = %+v", delta)
	}
	got, _ := l.Get("a")
	if got.TargetPostID != 101 || len(got.TagsApplied) != 2 {
		t.Errorf("record not replaced by full fetch: %+v", got)
	}
	if f.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls)
	}
}

func TestApplyResultRemovesDeletedJob(t *testing.T) {
	l := NewList()
	l.Reset([]domain.Job{job("a", domain.StatusUploading)})
	f := &fakeFetcher{jobs: map[string]domain.Job{}}

	delta, err := l.Apply(context.Background(), domain.Update{
		JobID:  "a",
		Status: domain.StatusCompleted,
	}, f)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(delta.Removed, []string{"a"}) {
		t.Errorf("delta = %+v", delta)
	}
	if l.Len() != 0 {
		t.Error("deleted job kept in the view")
	}
}

func TestRemove(t *testing.T) {
	l := NewList()
	l.Reset([]domain.Job{job("a", domain.StatusPending), job("b", domain.StatusPending)})

	l.Remove("a")
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
	if _, ok := l.Get("a"); ok {
		t.Error("removed job still indexed")
	}
	if l.Counts()[domain.StatusPending] != 1 {
		t.Errorf("counts = %v", l.Counts())
	}

	// Removing an unknown id is a no-op.
	l.Remove("ghost")
	if l.Len() != 1 {
		t.Error("removing unknown id changed the view")
	}
}

func TestDisplayTags(t *testing.T) {
	applied := job("a", domain.StatusCompleted)
	applied.TagsApplied = []string{"sky"}
	if got := DisplayTags(&applied); !reflect.DeepEqual(got, []string{"sky"}) {
		t.Errorf("DisplayTags = %v", got)
	}

	pending := job("b", domain.StatusPending)
	pending.TagsFromSource = []string{"tree"}
	pending.TagsFromAI = []string{"Tree", "water"}
	if got := DisplayTags(&pending); !reflect.DeepEqual(got, []string{"tree", "water"}) {
		t.Errorf("DisplayTags = %v, want merged working set", got)
	}

	bare := job("c", domain.StatusCompleted)
	if got := DisplayTags(&bare); !reflect.DeepEqual(got, []string{FallbackTag}) {
		t.Errorf("DisplayTags = %v, want fallback", got)
	}
}
