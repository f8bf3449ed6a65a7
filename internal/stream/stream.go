// Package stream runs the per-endpoint workers that drain the
// high-rate histogram and low-rate IMU USB interfaces into bounded
// queues, independent of the command dispatcher (spec.md §4.F).
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"motionhost/internal/motionlog"
)

// BulkReader is the minimal capability a stream worker needs from a
// transport: a raw, unframed bulk read. internal/transport.UsbInterfaceHandle
// satisfies this directly.
type BulkReader interface {
	ReadBulk(buf []byte, timeout time.Duration) (int, error)
}

// Config parameterizes a Worker.
type Config struct {
	// ExpectedFrameSize is the fixed read size for a histogram
	// endpoint. spec.md §6 documents 4112 and 32833 as presets for
	// one and eight cameras respectively; this is a constructor
	// parameter, never a package constant, per the Open Question
	// decision recorded in SPEC_FULL.md.
	ExpectedFrameSize int

	// JSONLines selects IMU mode: each read is split on newline and
	// each line parsed as a JSON object instead of treated as a fixed
	// binary frame.
	JSONLines bool

	// QueueCapacity bounds the output queue. Default drop-newest
	// policy applies once it's full (spec.md §4.F).
	QueueCapacity int

	// ReadTimeout bounds each individual bulk read so the worker
	// remains responsive to Stop.
	ReadTimeout time.Duration
}

// Stats tracks drop/parse accounting for a running or finished Worker.
type Stats struct {
	FramesRead   int64
	FramesQueued int64
	Dropped      int64
	ParseErrors  int64
}

// Worker drains one bulk endpoint into a bounded queue. Histogram mode
// enqueues fixed-size raw blobs for internal/histogram to parse;
// IMU mode enqueues the raw bytes of each line that parses as a JSON
// object.
type Worker struct {
	reader BulkReader
	cfg    Config
	log    *motionlog.Logger

	queue chan []byte
	stats Stats

	stop chan struct{}
	done chan struct{}
}

// NewWorker builds a Worker; call Start to begin draining reader.
func NewWorker(reader BulkReader, cfg Config, log *motionlog.Logger) *Worker {
	if log == nil {
		log = motionlog.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &Worker{
		reader: reader,
		cfg:    cfg,
		log:    log,
		queue:  make(chan []byte, cfg.QueueCapacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Queue returns the channel consumers should range over to receive
// blobs (histogram mode) or the raw bytes of JSON lines (IMU mode,
// already validated as JSON).
func (w *Worker) Queue() <-chan []byte {
	return w.queue
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		FramesRead:   atomic.LoadInt64(&w.stats.FramesRead),
		FramesQueued: atomic.LoadInt64(&w.stats.FramesQueued),
		Dropped:      atomic.LoadInt64(&w.stats.Dropped),
		ParseErrors:  atomic.LoadInt64(&w.stats.ParseErrors),
	}
}

// Start runs the worker loop until Stop is called or ctx is canceled.
// It always drains the endpoint (to avoid stalling the device) even
// when the queue is full, dropping with accounting in that case
// (spec.md §4.F "Backpressure").
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		bufSize := w.cfg.ExpectedFrameSize
		if bufSize <= 0 {
			bufSize = 4096
		}
		buf := make([]byte, bufSize)
		var lineRemainder []byte

		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			default:
			}

			n, err := w.reader.ReadBulk(buf, w.cfg.ReadTimeout)
			if err != nil {
				continue
			}
			if n == 0 {
				continue
			}
			atomic.AddInt64(&w.stats.FramesRead, 1)

			if w.cfg.JSONLines {
				lineRemainder = w.processLines(append(lineRemainder, buf[:n]...))
				continue
			}

			w.enqueue(append([]byte(nil), buf[:n]...))
		}
	}()
}

// processLines splits accumulated IMU bytes on newline, parses each
// complete line as JSON, and enqueues the raw validated bytes. It
// returns the trailing partial line to prepend on the next read.
func (w *Worker) processLines(data []byte) []byte {
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return data
		}
		line := bytes.TrimSpace(data[:idx])
		data = data[idx+1:]
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			atomic.AddInt64(&w.stats.ParseErrors, 1)
			w.log.Printf("stream: discarding invalid imu line: %v", err)
			continue
		}
		w.enqueue(append([]byte(nil), line...))
	}
}

func (w *Worker) enqueue(payload []byte) {
	select {
	case w.queue <- payload:
		atomic.AddInt64(&w.stats.FramesQueued, 1)
	default:
		atomic.AddInt64(&w.stats.Dropped, 1)
	}
}

// Stop signals the worker and blocks until it exits or timeout
// elapses, matching spec.md §4.F "joins within a bounded timeout".
func (w *Worker) Stop(timeout time.Duration) error {
	close(w.stop)
	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("stream: worker did not stop within %s", timeout)
	}
}

// RunGroup starts multiple workers (one per streaming endpoint, e.g.
// histogram and IMU) under one errgroup whose context derives from
// ctx, so canceling ctx stops every worker. A worker never ends with an
// error (failed bulk reads are retried), so one worker does not cancel
// its siblings; the returned stop function stops every worker and waits
// for the group.
func RunGroup(ctx context.Context, workers ...*Worker) (stop func(timeout time.Duration) error) {
	g, gctx := errgroup.WithContext(ctx)
	var once sync.Once
	for _, w := range workers {
		w := w
		g.Go(func() error {
			w.Start(gctx)
			<-w.done
			return nil
		})
	}
	return func(timeout time.Duration) error {
		var stopErr error
		once.Do(func() {
			for _, w := range workers {
				if err := w.Stop(timeout); err != nil && stopErr == nil {
					stopErr = err
				}
			}
		})
		_ = g.Wait()
		return stopErr
	}
}
