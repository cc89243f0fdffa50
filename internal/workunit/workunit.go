// Package workunit records per-node execution outcomes for observability,
// grounded on the teacher's internal/analytics buffered-worker pattern
// (a channel feeding a single goroutine that batches payloads and flushes
// them to a pluggable Sink on a size or idle-time threshold), generalized
// from arbitrary cache-usage event maps to a concrete WorkUnit record per
// Graph node run.
package workunit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// WorkUnit describes the outcome of one Graph node run, the unit §6's
// tracing/metrics story is built from.
type WorkUnit struct {
	NodeKey  string
	Kind     string // e.g. "digest_file", "execute_process", "scandir"
	Started  time.Time
	Duration time.Duration
	CacheHit bool
	Err      string
}

// Sink receives batches of completed WorkUnits, e.g. to log them, forward
// them to a metrics backend, or append them to a trace file.
type Sink interface {
	RecordWorkUnits(units []WorkUnit) error
}

// LogSink is a Sink that writes a debug log line per batch; the default
// when no real metrics backend is configured.
type LogSink struct {
	Logger hclog.Logger
}

func (s *LogSink) RecordWorkUnits(units []WorkUnit) error {
	for _, u := range units {
		s.Logger.Debug("work unit", "key", u.NodeKey, "kind", u.Kind, "duration", u.Duration, "cache_hit", u.CacheHit, "err", u.Err)
	}
	return nil
}

const bufferThreshold = 32
const idleFlush = 200 * time.Millisecond
const noActivityTimeout = 24 * time.Hour

// Recorder batches WorkUnits from concurrent node runs and flushes them to
// a Sink, mirroring the teacher's analytics.client/worker split: a cheap
// channel send from the caller's goroutine, all batching/flush work done
// on one dedicated goroutine.
type Recorder struct {
	ch     chan WorkUnit
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder starts the background flush loop. Each Recorder generates a
// session ID that appears only in its log line for a failed flush; the
// batches handed to sink do not carry it.
func NewRecorder(parent context.Context, sink Sink, logger hclog.Logger) *Recorder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Recorder{
		ch:     make(chan WorkUnit),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(ctx, sink, logger.Named("workunit"), uuid.New().String())
	return r
}

// Record enqueues one completed WorkUnit. Safe to call concurrently.
func (r *Recorder) Record(u WorkUnit) {
	r.ch <- u
}

// Close flushes any buffered units and stops the background goroutine.
func (r *Recorder) Close() {
	r.cancel()
	<-r.done
}

func (r *Recorder) run(ctx context.Context, sink Sink, logger hclog.Logger, sessionID string) {
	defer close(r.done)
	var buf []WorkUnit
	var wg sync.WaitGroup
	defer wg.Wait()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		batch := buf
		buf = nil
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.RecordWorkUnits(batch); err != nil {
				logger.Debug("failed to record work units", "session", sessionID, "error", err)
			}
		}()
	}

	timeout := time.NewTimer(noActivityTimeout)
	defer timeout.Stop()
	for {
		select {
		case u := <-r.ch:
			buf = append(buf, u)
			if len(buf) >= bufferThreshold {
				flush()
				timeout.Reset(noActivityTimeout)
			} else {
				timeout.Reset(idleFlush)
			}
		case <-timeout.C:
			flush()
			timeout.Reset(noActivityTimeout)
		case <-ctx.Done():
			flush()
			return
		}
	}
}
