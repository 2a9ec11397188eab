package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelmux/modelmux/internal/metrics"
)

const (
	// DefaultBuffer is the trail channel capacity before drops begin.
	DefaultBuffer = 1024

	writeTimeout = 5 * time.Second
)

// Sink receives completed trails. Write failures are counted and logged,
// never propagated to the request path.
type Sink interface {
	Name() string
	Write(ctx context.Context, trail *Trail) error
}

// Recorder fans completed trails out to its sinks from a single background
// worker. Record never blocks: when the buffer is full the trail is dropped
// and counted.
type Recorder struct {
	sinks   []Sink
	trails  chan *Trail
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewRecorder(buffer int, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	r := &Recorder{
		sinks:  sinks,
		trails: make(chan *Trail, buffer),
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.worker()

	return r
}

// Record enqueues a finished trail for the sink pipeline.
func (r *Recorder) Record(trail *Trail) {
	metrics.RecordAuditTrail(trail.Outcome)

	select {
	case r.trails <- trail:
	default:
		r.dropped.Add(1)
		metrics.RecordAuditDrop()
		slog.Warn("audit trail dropped, sink pipeline backed up",
			"request_id", trail.RequestID,
			"dropped_total", r.dropped.Load(),
		)
	}
}

// Dropped reports how many trails were lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains buffered trails into the sinks and stops the worker.
func (r *Recorder) Close() error {
	close(r.done)
	r.wg.Wait()
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case trail := <-r.trails:
			r.write(trail)

		case <-r.done:
			for {
				select {
				case trail := <-r.trails:
					r.write(trail)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(trail *Trail) {
	for _, sink := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := sink.Write(ctx, trail); err != nil {
			metrics.RecordSinkError(sink.Name())
			slog.Error("audit sink write failed",
				"sink", sink.Name(),
				"request_id", trail.RequestID,
				"error", err,
			)
		}
		cancel()
	}
}

// LogSink emits each trail as one structured log record. It is the sink
// every deployment gets.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(ctx context.Context, trail *Trail) error {
	attempts := make([]string, 0, len(trail.Attempts))
	for _, a := range trail.Attempts {
		attempts = append(attempts, a.ProviderID+"/"+string(a.Reason))
	}

	slog.Info("selection decision",
		"request_id", trail.RequestID,
		"session_id", trail.SessionID,
		"model", trail.Model,
		"groups", trail.Groups,
		"outcome", trail.Outcome,
		"selected_provider", trail.SelectedProviderID,
		"attempts", attempts,
		"duration_ms", trail.FinishedAt.Sub(trail.StartedAt).Milliseconds(),
	)
	return nil
}

// InMemorySink retains trails for tests and for the decision replay admin
// endpoint when no durable sink is configured.
type InMemorySink struct {
	mu     sync.Mutex
	trails []*Trail
}

func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

func (s *InMemorySink) Name() string { return "memory" }

func (s *InMemorySink) Write(ctx context.Context, trail *Trail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trails = append(s.trails, trail)
	return nil
}

func (s *InMemorySink) Trails() []*Trail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Trail, len(s.trails))
	copy(out, s.trails)
	return out
}

// TrailByRequestID returns the recorded trail for a request, if present.
func (s *InMemorySink) TrailByRequestID(ctx context.Context, requestID string) (*Trail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trails {
		if t.RequestID == requestID {
			return t, nil
		}
	}
	return nil, nil
}
