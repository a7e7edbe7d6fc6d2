// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package anvil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
)

// teeQueueDepth bounds the chunk queue between the pipe reader and the
// sink broadcaster. A full queue applies backpressure through the pipe
// rather than growing without bound.
const teeQueueDepth = 64

// A Tee replicates one output stream to multiple sinks.
//
// The write end of an OS pipe is handed to the producing subprocess,
// so the producer never blocks behind a slow sink: a background
// goroutine drains the read end into a bounded queue and a second
// goroutine splits the stream on line boundaries, forwarding each
// line to every sink in order.
//
// Every sink must accept exactly the bytes written. A sink that
// reports a different write length than requested, or a write error,
// breaks the byte-identical invariant and panics: it is a bug in the
// sink arrangement, not a condition the build can recover from.
type Tee struct {
	sinks []io.Writer
	pr    *os.File
	pw    *os.File

	chunks  chan []byte
	drained chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewTee creates a Tee broadcasting to the given sinks and starts its
// background goroutines. The caller must call [Tee.Close] after the
// producer has finished writing.
func NewTee(sinks ...io.Writer) (*Tee, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("new tee: %v", err)
	}
	t := &Tee{
		sinks:   slices.Clone(sinks),
		pr:      pr,
		pw:      pw,
		chunks:  make(chan []byte, teeQueueDepth),
		drained: make(chan struct{}),
	}
	go t.fill()
	go t.drain()
	return t, nil
}

// fill moves chunks from the pipe into the queue until the write end
// closes.
func (t *Tee) fill() {
	defer close(t.chunks)
	for {
		buf := make([]byte, 4096)
		n, err := t.pr.Read(buf)
		if n > 0 {
			t.chunks <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

// drain broadcasts queued data line by line. A trailing unterminated
// line is still delivered when the stream ends.
func (t *Tee) drain() {
	defer close(t.drained)
	var buf []byte
	for chunk := range t.chunks {
		buf = append(buf, chunk...)
		for {
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				break
			}
			t.Write(buf[:i+1])
			buf = buf[i+1:]
		}
	}
	if len(buf) > 0 {
		t.Write(buf)
	}
}

// Write copies p to every sink and panics if any sink does not accept
// exactly len(p) bytes. Live sinks (the run log, standard output) are
// unbuffered writers, so each line is visible as soon as it is
// written; buffered sinks are flushed by their owners once the
// producing command finishes. Tees nest: a Tee is itself a valid sink
// for another Tee.
func (t *Tee) Write(p []byte) (int, error) {
	for i, w := range t.sinks {
		n, err := w.Write(p)
		if err != nil {
			panic(fmt.Sprintf("tee: sink %d: write: %v", i, err))
		}
		if n != len(p) {
			panic(fmt.Sprintf("tee: sink %d wrote %d bytes, want %d", i, n, len(p)))
		}
	}
	return len(p), nil
}

// writeEnd returns the pipe's write end for wiring to a subprocess.
func (t *Tee) writeEnd() *os.File {
	return t.pw
}

// Close closes the write end, waits for buffered output to reach
// every sink, then closes the read end. Close is idempotent.
func (t *Tee) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.pw.Close()
		<-t.drained
		if err := t.pr.Close(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}
