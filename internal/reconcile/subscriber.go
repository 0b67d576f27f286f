package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/mkrull/boorud/internal/domain"
)

// Reconnect backoff for the push channel: 3s doubling, capped at 60s.
const (
	reconnectInitial = 3 * time.Second
	reconnectMax     = 60 * time.Second
	statsInterval    = time.Minute
)

// Subscriber consumes the push channel and keeps a List consistent. On
// every (re)connect it performs a full refetch before resuming
// incremental event processing.
type Subscriber struct {
	baseURL string
	token   string
	fetch   Fetcher
	list    *List
	stream  *http.Client

	running atomic.Bool
	stats   atomic.Pointer[domain.Stats]

	// OnDelta, when set, is invoked for every non-empty list change.
	OnDelta func(Delta)
}

// NewSubscriber creates a subscriber feeding the given list through the
// given fetcher.
func NewSubscriber(baseURL, token string, fetch Fetcher, list *List) *Subscriber {
	return &Subscriber{
		baseURL: baseURL,
		token:   token,
		fetch:   fetch,
		list:    list,
		// The event stream is long-lived; only the dial should time out.
		stream: &http.Client{},
	}
}

// List returns the list this subscriber maintains.
func (s *Subscriber) List() *List {
	return s.list
}

// ServerStats returns the last server-side stats snapshot, which is the
// ground truth the locally recomputed counts converge to.
func (s *Subscriber) ServerStats() *domain.Stats {
	return s.stats.Load()
}

// Run connects and processes events until the context is cancelled,
// reconnecting with exponential backoff. Reconnect scheduling is
// single-flight: Run refuses to start twice.
func (s *Subscriber) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("subscriber already running")
	}
	defer s.running.Store(false)

	go s.statsLoop(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.MaxInterval = reconnectMax
	bo.MaxElapsedTime = 0
	bo.Multiplier = 2

	for {
		err := s.consume(ctx, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		log.Printf("reconcile: stream dropped (%v), reconnecting in %s", err, wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// consume runs one stream connection. onConnected is called once the
// server acknowledged the subscription and the full refetch succeeded.
func (s *Subscriber) consume(ctx context.Context, onConnected func()) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" {
				if err := s.dispatch(ctx, event, data, onConnected); err != nil {
					return err
				}
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		// Comment heartbeats fall through.
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed")
}

func (s *Subscriber) dispatch(ctx context.Context, event, data string, onConnected func()) error {
	switch event {
	case "connected":
		jobs, err := s.fetch.Jobs(ctx)
		if err != nil {
			return fmt.Errorf("full refetch: %w", err)
		}
		s.list.Reset(jobs)
		onConnected()
	case "job_update":
		var u domain.Update
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			log.Printf("reconcile: bad job_update payload: %v", err)
			return nil
		}
		delta, err := s.list.Apply(ctx, u, s.fetch)
		if err != nil {
			log.Printf("reconcile: apply %s: %v", u.JobID, err)
		}
		if s.OnDelta != nil && !delta.Empty() {
			s.OnDelta(delta)
		}
	case "error":
		log.Printf("reconcile: server error event: %s", data)
	}
	return nil
}

func (s *Subscriber) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.fetch.Stats(ctx)
			if err != nil {
				log.Printf("reconcile: stats refresh: %v", err)
				continue
			}
			s.stats.Store(stats)
		}
	}
}
