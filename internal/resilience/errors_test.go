package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify_ClassifiedError(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{RateLimited(errors.New("429")), ClassRateLimited},
		{Timeout(errors.New("deadline")), ClassTimeout},
		{Malformed(errors.New("bad json")), ClassMalformed},
		{StoreUnavailable(errors.New("conn refused")), ClassStoreUnavailable},
		{errors.New("something else"), ClassOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestClassify_WrappedClassifiedError(t *testing.T) {
	err := fmt.Errorf("stage definitions: %w", RateLimited(errors.New("quota")))
	if got := Classify(err); got != ClassRateLimited {
		t.Errorf("Classify(wrapped) = %s, want %s", got, ClassRateLimited)
	}
}

func TestClassify_DeadlineExceeded(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != ClassTimeout {
		t.Errorf("Classify(DeadlineExceeded) = %s, want %s", got, ClassTimeout)
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != ClassOther {
		t.Errorf("Classify(nil) = %s, want %s", got, ClassOther)
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(StoreUnavailable(errors.New("down"))) {
		t.Error("store faults should be fatal")
	}
	if IsFatal(RateLimited(errors.New("429"))) {
		t.Error("rate limits are not fatal")
	}
}

func TestIsTransient_TransientError(t *testing.T) {
	err := NewTransientError(errors.New("503"), 503)
	if !IsTransient(err) {
		t.Error("expected transient")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped transient")
	}
}

func TestIsTransient_Patterns(t *testing.T) {
	if !IsTransient(errors.New("read tcp: connection reset by peer")) {
		t.Error("expected pattern match")
	}
	if IsTransient(errors.New("invalid api key")) {
		t.Error("did not expect transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("status %d should not be transient", code)
		}
	}
}
