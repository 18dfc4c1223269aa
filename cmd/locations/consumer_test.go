package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// fakeReporter implements Reporter for tests
type fakeReporter struct {
	fail  int // number of times to fail before succeeding
	calls int
}

func (f *fakeReporter) Report(ctx context.Context, loc models.WorkerLocation) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("registry fail")
	}
	return nil
}

func TestUpdateWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeReporter{fail: 1}
	loc := models.WorkerLocation{WorkerID: "w1", Loc: models.Coord{Lat: 1, Lng: 2}, Online: true}
	start := time.Now()
	if err := updateWithRetry(context.Background(), f, loc, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls < 2 {
		t.Fatalf("expected retries, got %d calls", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeReporter{fail: 5}
	loc := models.WorkerLocation{WorkerID: "w1", Loc: models.Coord{Lat: 1, Lng: 2}, Online: true}
	if err := updateWithRetry(context.Background(), f, loc, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("calls=%d, want 3", f.calls)
	}
}
