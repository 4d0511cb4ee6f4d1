package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("no such table: tasks"), false},
		{"driver busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"driver locked wrapped", fmt.Errorf("claim: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"driver constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"flattened message", errors.New("commit claim tx: database is locked"), true},
	}
	for _, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.want {
			t.Errorf("%s: isSQLiteBusy(%v) = %v, want %v", tc.name, tc.err, got, tc.want)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	cases := []struct {
		name       string
		maxRetries int
		failures   int
		failWith   error
		wantCalls  int
		wantErr    bool
	}{
		{"succeeds first time", 3, 0, nil, 1, false},
		{"other errors are not retried", 3, 5, errors.New("constraint failed"), 1, true},
		{"busy then success", 3, 2, busy, 3, false},
		{"retries exhausted", 2, 10, busy, 3, true},
	}
	for _, tc := range cases {
		calls := 0
		err := retryOnBusy(context.Background(), tc.maxRetries, func() error {
			calls++
			if calls <= tc.failures {
				return tc.failWith
			}
			return nil
		})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
		if calls != tc.wantCalls {
			t.Fatalf("%s: calls = %d, want %d", tc.name, calls, tc.wantCalls)
		}
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestBusyDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		base := min(50*time.Millisecond<<uint(attempt), 500*time.Millisecond)
		for i := 0; i < 20; i++ {
			d := busyDelay(attempt)
			if d < base*3/4 || d > base*5/4 {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, base*3/4, base*5/4)
			}
		}
	}
}
