package reliability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: 700 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 700 * time.Millisecond, 700 * time.Millisecond}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetry(t *testing.T) {
	transient := errors.New("transient")
	permanent := errors.New("permanent")
	retryable := func(err error) bool { return errors.Is(err, transient) }
	noSleep := func(context.Context, time.Duration) error { return nil }

	tests := []struct {
		name      string
		results   []error
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{"first try", []error{nil}, 3, 1, nil},
		{"recovers", []error{transient, transient, nil}, 3, 3, nil},
		{"exhausted", []error{transient, transient, transient}, 3, 3, transient},
		{"permanent stops", []error{permanent, nil}, 3, 1, permanent},
		{"zero attempts runs once", []error{transient}, 0, 1, transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, retries := 0, 0
			err := Retry(context.Background(), Backoff{Attempts: tt.attempts, Base: time.Millisecond, Cap: time.Millisecond}, noSleep, retryable,
				func(int, error) { retries++ },
				func(context.Context) error {
					err := tt.results[calls]
					calls++
					return err
				})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("Retry() error = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if retries != calls-1 && tt.wantErr != permanent {
				t.Fatalf("retries = %d for %d calls", retries, calls)
			}
		})
	}
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, Backoff{Attempts: 5, Base: time.Hour, Cap: time.Hour}, nil,
		func(error) bool { return true }, nil,
		func(context.Context) error {
			calls++
			return errors.New("down")
		})
	if err == nil || calls != 1 {
		t.Fatalf("Retry() = %v after %d calls, want the first error after 1 call", err, calls)
	}
}

func TestErrorKindSurvivesWrapping(t *testing.T) {
	base := errors.New("dial refused")
	err := fmt.Errorf("start call: %w", Connection("live.connect", base))

	if got := KindOf(err); got != KindConnection {
		t.Fatalf("KindOf() = %q, want %q", got, KindConnection)
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is(err, base) = false, want true")
	}
	if IsKind(err, KindDevice) {
		t.Fatalf("IsKind(device) = true, want false")
	}
	if KindOf(base) != "" {
		t.Fatalf("KindOf(plain) should be empty")
	}
}

func TestStatusIsShortAndSingleLine(t *testing.T) {
	long := strings.Repeat("socket exploded\n", 40)
	got := Status(Protocol("live.read", errors.New(long)))
	if utf8.RuneCountInString(got) > maxStatusRunes {
		t.Fatalf("Status() length = %d, want <= %d", utf8.RuneCountInString(got), maxStatusRunes)
	}
	if strings.Contains(got, "\n") {
		t.Fatalf("Status() = %q, want single line", got)
	}
	if !strings.HasPrefix(got, "The voice service reported an error: ") {
		t.Fatalf("Status() = %q, want protocol prefix", got)
	}
	if Status(nil) != "" {
		t.Fatalf("Status(nil) should be empty")
	}
}

func TestIsCleanClose(t *testing.T) {
	if !IsCleanClose(1000) {
		t.Fatalf("IsCleanClose(1000) = false, want true")
	}
	if IsCleanClose(1006) {
		t.Fatalf("IsCleanClose(1006) = true, want false")
	}
	if !IsRetryableCloseCode(1011) || IsRetryableCloseCode(1000) {
		t.Fatalf("IsRetryableCloseCode misclassified")
	}
}
