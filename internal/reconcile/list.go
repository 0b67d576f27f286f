// Package reconcile is the shared client-side state-sync layer. Every
// client keeps a local job list consistent from two inputs: thin push
// events and periodic full fetches, with the fetches as ground truth.
package reconcile

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/lo"

	"github.com/mkrull/boorud/internal/domain"
)

// FallbackTag is displayed for jobs that ended up with no tags at all.
// It is a client-side display convention, never persisted by the engine.
const FallbackTag = "tagme"

// Fetcher supplies full records as ground truth. Job must return
// domain.ErrJobNotFound for records that do not exist or are not visible
// to the current principal.
type Fetcher interface {
	Job(ctx context.Context, id string) (*domain.Job, error)
	Jobs(ctx context.Context) ([]domain.Job, error)
	Stats(ctx context.Context) (*domain.Stats, error)
}

// Delta describes what applying one event changed.
type Delta struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether the event changed nothing.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// List is an ordered local view of jobs plus locally recomputed aggregate
// counts.
type List struct {
	mu     sync.Mutex
	jobs   []domain.Job
	index  map[string]int
	counts map[domain.Status]int
}

// NewList creates an empty list.
func NewList() *List {
	return &List{index: make(map[string]int), counts: make(map[domain.Status]int)}
}

// Reset replaces the whole view, as done after (re)connecting.
func (l *List) Reset(jobs []domain.Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append([]domain.Job(nil), jobs...)
	l.reindex()
}

// Apply folds one push event into the view:
//
//  1. A known job is patched in place; when the event signals a result,
//     the patched record is replaced by a freshly fetched full one, since
//     events are intentionally thin deltas.
//  2. An unknown job is fetched by id and prepended; a not-found answer
//     (including an authorization miss surfaced as not-found) discards
//     the event silently.
//  3. Counts are recomputed locally on every change.
func (l *List) Apply(ctx context.Context, u domain.Update, f Fetcher) (Delta, error) {
	l.mu.Lock()
	pos, known := l.index[u.JobID]
	if known {
		job := &l.jobs[pos]
		job.Status = u.Status
		job.ErrorMessage = u.Error
		if u.RetryCount > 0 {
			job.RetryCount = u.RetryCount
		}
		l.reindex()
	}
	l.mu.Unlock()

	if !known {
		full, err := f.Job(ctx, u.JobID)
		if errors.Is(err, domain.ErrJobNotFound) {
			return Delta{}, nil
		}
		if err != nil {
			return Delta{}, err
		}
		l.mu.Lock()
		l.jobs = append([]domain.Job{*full}, l.jobs...)
		l.reindex()
		l.mu.Unlock()
		return Delta{Added: []string{u.JobID}}, nil
	}

	if u.HasResult() {
		full, err := f.Job(ctx, u.JobID)
		if errors.Is(err, domain.ErrJobNotFound) {
			l.remove(u.JobID)
			return Delta{Removed: []string{u.JobID}}, nil
		}
		if err != nil {
			// The patch above already applied; the periodic full fetch
			// will straighten the record out.
			return Delta{Updated: []string{u.JobID}}, err
		}
		l.mu.Lock()
		if pos, ok := l.index[u.JobID]; ok {
			l.jobs[pos] = *full
			l.reindex()
		}
		l.mu.Unlock()
	}
	return Delta{Updated: []string{u.JobID}}, nil
}

// Remove drops a job from the view, used when the server answers a delete.
func (l *List) Remove(id string) {
	l.remove(id)
}

func (l *List) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.index[id]
	if !ok {
		return
	}
	l.jobs = append(l.jobs[:pos], l.jobs[pos+1:]...)
	l.reindex()
}

// reindex rebuilds the id index and the local counts. Callers hold l.mu.
func (l *List) reindex() {
	l.index = make(map[string]int, len(l.jobs))
	for i := range l.jobs {
		l.index[l.jobs[i].ID] = i
	}
	l.counts = lo.CountValuesBy(l.jobs, func(j domain.Job) domain.Status {
		return j.Status
	})
}

// Jobs returns a copy of the current view.
func (l *List) Jobs() []domain.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Job(nil), l.jobs...)
}

// Get returns the local record for an id.
func (l *List) Get(id string) (*domain.Job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.index[id]
	if !ok {
		return nil, false
	}
	job := l.jobs[pos]
	return &job, true
}

// Counts returns the locally recomputed per-status counts.
func (l *List) Counts() map[domain.Status]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[domain.Status]int, len(l.counts))
	for k, v := range l.counts {
		counts[k] = v
	}
	return counts
}

// Len returns the number of known jobs.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

// DisplayTags returns the tags a client should render for a job, falling
// back to the literal "tagme" when the pipeline found none.
func DisplayTags(job *domain.Job) []string {
	tags := job.TagsApplied
	if len(tags) == 0 {
		tags = domain.MergeTags(job.TagsFromSource, job.TagsFromAI)
	}
	if len(tags) == 0 {
		return []string{FallbackTag}
	}
	return tags
}
