package caseclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/sma-discipline-api/internal/dto"
)

// DefaultSearchDelay is how long typing must settle before a query is sent.
const DefaultSearchDelay = 250 * time.Millisecond

// StudentSearch debounces participant-picker queries. Each new query cancels
// the pending or in-flight one, and only the most recent query's response is
// handed to apply.
type StudentSearch struct {
	client *Client
	delay  time.Duration
	limit  int
	apply  func(term string, results []dto.StudentSearchResult, err error)

	mu     sync.Mutex
	seq    uint64
	timer  *time.Timer
	cancel context.CancelFunc
}

// NewStudentSearch constructs a debounced search. delay <= 0 uses
// DefaultSearchDelay.
func NewStudentSearch(client *Client, delay time.Duration, limit int, apply func(term string, results []dto.StudentSearchResult, err error)) *StudentSearch {
	if delay <= 0 {
		delay = DefaultSearchDelay
	}
	return &StudentSearch{client: client, delay: delay, limit: limit, apply: apply}
}

// Query schedules a search for term. An empty term clears the results
// immediately without a request.
func (s *StudentSearch) Query(term string) {
	term = strings.TrimSpace(term)

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.stopLocked()
	if term == "" {
		s.mu.Unlock()
		s.apply(term, []dto.StudentSearchResult{}, nil)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.timer = time.AfterFunc(s.delay, func() { s.run(ctx, seq, term) })
	s.mu.Unlock()
}

func (s *StudentSearch) run(ctx context.Context, seq uint64, term string) {
	results, err := s.client.SearchStudents(ctx, term, s.limit)
	s.mu.Lock()
	latest := seq == s.seq
	s.mu.Unlock()
	if !latest {
		return
	}
	s.apply(term, results, err)
}

func (s *StudentSearch) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Stop cancels any pending query and drops late responses.
func (s *StudentSearch) Stop() {
	s.mu.Lock()
	s.seq++
	s.stopLocked()
	s.mu.Unlock()
}
