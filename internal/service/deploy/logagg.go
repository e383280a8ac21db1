package deploy

import (
	"fmt"
	"time"
)

const (
	repeatFlushInterval = 5 * time.Second
	outputBufferSize    = 100
)

// outputAggregator collapses repeated build lines and keeps a ring of the most
// recent ones for error reports.
type outputAggregator struct {
	emit     func(string)
	now      func() time.Time
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
	buffer   []string
	bufSize  int
}

func newOutputAggregator(emit func(string)) *outputAggregator {
	return &outputAggregator{
		emit:     emit,
		now:      time.Now,
		maxDelay: repeatFlushInterval,
		bufSize:  outputBufferSize,
	}
}

func (a *outputAggregator) Add(line string) {
	if line == "" {
		return
	}
	now := a.now()
	if line == a.last {
		a.repeats++
		if a.maxDelay > 0 && now.Sub(a.lastEmit) >= a.maxDelay {
			a.flushRepeats(now)
		}
		return
	}
	a.flushRepeats(now)
	a.last = line
	a.emitLine(line, now)
}

// Flush reports any pending repeat count.
func (a *outputAggregator) Flush() {
	a.flushRepeats(a.now())
}

func (a *outputAggregator) flushRepeats(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLine(msg, now)
}

func (a *outputAggregator) emitLine(line string, now time.Time) {
	if a.emit != nil {
		a.emit(line)
	}
	a.lastEmit = now
	if a.bufSize <= 0 {
		return
	}
	if len(a.buffer) < a.bufSize {
		a.buffer = append(a.buffer, line)
		return
	}
	a.buffer = append(a.buffer[1:], line)
}

// Snapshot returns up to limit of the most recent lines.
func (a *outputAggregator) Snapshot(limit int) []string {
	if len(a.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(a.buffer) {
		return append([]string(nil), a.buffer...)
	}
	return append([]string(nil), a.buffer[len(a.buffer)-limit:]...)
}
