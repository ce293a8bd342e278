package logger

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// writeReq is either a log line or, when ack is set, a flush barrier.
type writeReq struct {
	line []byte
	ack  chan error
}

// asyncWriter hands lines to a single goroutine that fans them out to every
// sink. Handle never waits on a slow file unless the queue is full.
type asyncWriter struct {
	queue  chan writeReq
	done   chan struct{}
	sinks  []*bufio.Writer
	closed sync.Once
	errMu  sync.Mutex
	failed error
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	w := &asyncWriter{
		queue: make(chan writeReq, 256),
		done:  make(chan struct{}),
	}
	for _, out := range writers {
		if out != nil {
			w.sinks = append(w.sinks, bufio.NewWriterSize(out, bufSize))
		}
	}
	go w.run()
	return w
}

func (w *asyncWriter) run() {
	defer close(w.done)
	for req := range w.queue {
		if req.ack != nil {
			req.ack <- w.flush()
			continue
		}
		for _, s := range w.sinks {
			if _, err := s.Write(req.line); err != nil {
				w.fail(err)
			}
		}
		// Lines go out immediately while the queue is idle.
		if len(w.queue) == 0 {
			if err := w.flush(); err != nil {
				w.fail(err)
			}
		}
	}
	if err := w.flush(); err != nil {
		w.fail(err)
	}
}

func (w *asyncWriter) flush() error {
	var errs []error
	for _, s := range w.sinks {
		if err := s.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Write queues a copy of p. It blocks only when the queue is full.
func (w *asyncWriter) Write(p []byte) error {
	if err := w.err(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	w.queue <- writeReq{line: append([]byte(nil), p...)}
	return nil
}

// Flush waits until every line queued before the call reached the sinks.
func (w *asyncWriter) Flush() error {
	ack := make(chan error, 1)
	w.queue <- writeReq{ack: ack}
	if err := <-ack; err != nil {
		return err
	}
	return w.err()
}

// Close drains the queue and returns the first write error seen.
func (w *asyncWriter) Close() error {
	w.closed.Do(func() { close(w.queue) })
	<-w.done
	return w.err()
}

func (w *asyncWriter) err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.failed
}

func (w *asyncWriter) fail(err error) {
	w.errMu.Lock()
	if w.failed == nil {
		w.failed = err
	}
	w.errMu.Unlock()
}
