package deploy

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestOutputAggregatorCollapsesRepeats(t *testing.T) {
	var emitted []string
	agg := newOutputAggregator(func(line string) { emitted = append(emitted, line) })
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }

	agg.Add("Step 1/4")
	agg.Add("downloading")
	agg.Add("downloading")
	agg.Add("downloading")
	agg.Add("Step 2/4")
	agg.Add("done")
	agg.Add("done")
	agg.Flush()

	want := []string{
		"Step 1/4",
		"downloading",
		"downloading (repeated 2 more times)",
		"Step 2/4",
		"done",
		"done (repeated 1 more times)",
	}
	if diff := cmp.Diff(want, emitted); diff != "" {
		t.Fatalf("emitted mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[4:], agg.Snapshot(2)); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestOutputAggregatorFlushesLongRepeats(t *testing.T) {
	var emitted []string
	agg := newOutputAggregator(func(line string) { emitted = append(emitted, line) })
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }

	agg.Add("waiting")
	now = now.Add(time.Second)
	agg.Add("waiting")
	now = now.Add(repeatFlushInterval)
	agg.Add("waiting")

	want := []string{"waiting", "waiting (repeated 2 more times)"}
	if diff := cmp.Diff(want, emitted); diff != "" {
		t.Fatalf("emitted mismatch (-want +got):\n%s", diff)
	}
}

func TestOutputAggregatorRingBuffer(t *testing.T) {
	agg := newOutputAggregator(nil)
	agg.bufSize = 3
	for _, line := range []string{"a", "b", "c", "d"} {
		agg.Add(line)
	}
	if diff := cmp.Diff([]string{"b", "c", "d"}, agg.Snapshot(0)); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestTailUTF8(t *testing.T) {
	if got := TailUTF8("hello", 10); got != "hello" {
		t.Fatalf("short string changed: %q", got)
	}
	if got := TailUTF8("abcdef", 3); got != "def" {
		t.Fatalf("TailUTF8 = %q", got)
	}
	// "é" is two bytes; a three byte tail would start mid-rune.
	if got := TailUTF8("xéé", 3); got != "é" {
		t.Fatalf("TailUTF8 split a rune: %q", got)
	}
	log := ErrorLog(&BuildError{Stage: StageImage, Err: errTest}, []string{"line 1", "line 2"}, 4096)
	if log != "docker_build failed: boom\nline 1\nline 2" {
		t.Fatalf("unexpected error log %q", log)
	}
}
