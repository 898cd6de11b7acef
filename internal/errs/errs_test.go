package errs

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

var allCodes = []Code{
	SessionCreation,
	UseAfterClose,
	ResourceExhausted,
	AmbiguousLocator,
	ActionTimeout,
	TestTimeout,
	DriverChannelLost,
	Assertion,
	InvalidArgument,
	Internal,
}

func testCodeOf_SurvivesWrapping(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,60}`).Draw(t, "message")
	depth := rapid.IntRange(0, 4).Draw(t, "depth")

	err := New(code, message)
	for i := 0; i < depth; i++ {
		err = fmt.Errorf("layer %d: %w", i, err)
	}

	if got := CodeOf(err); got != code {
		t.Fatalf("CodeOf mismatch: got=%q want=%q", got, code)
	}
	if !Is(err, code) {
		t.Fatalf("Is(%q) = false after %d wraps", code, depth)
	}
}

func TestCodeOf_SurvivesWrapping(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOf_SurvivesWrapping)
}

func TestCodeOf_Untyped(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != Internal {
		t.Fatalf("CodeOf(untyped) = %q, want %q", got, Internal)
	}
	if got := CodeOf(nil); got != Internal {
		t.Fatalf("CodeOf(nil) = %q, want %q", got, Internal)
	}
}

func TestIs_Joined(t *testing.T) {
	err := errors.Join(errors.New("plain"), Wrap(Assertion, "soft", errors.New("x")))
	if !Is(err, Assertion) {
		t.Fatal("expected joined assertion to be found")
	}
	if Retryable(err) {
		t.Fatal("joined assertion failure must not be retryable")
	}
}

func TestRetryablePolicy(t *testing.T) {
	cases := map[Code]bool{
		AmbiguousLocator:  false,
		Assertion:         false,
		InvalidArgument:   false,
		ActionTimeout:     true,
		TestTimeout:       true,
		DriverChannelLost: true,
		UseAfterClose:     true,
	}
	for code, want := range cases {
		if got := Retryable(New(code, "x")); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", code, got, want)
		}
	}
	if Retryable(nil) {
		t.Error("nil must not be retryable")
	}
}

func TestWorkerFatal(t *testing.T) {
	if !WorkerFatal(fmt.Errorf("send: %w", New(DriverChannelLost, "gone"))) {
		t.Error("channel loss must be worker fatal")
	}
	if !WorkerFatal(New(SessionCreation, "launch")) {
		t.Error("session creation must be worker fatal")
	}
	if WorkerFatal(New(ActionTimeout, "slow")) {
		t.Error("action timeout must not be worker fatal")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(SessionCreation, "launch chromium", errors.New("exec: not found"))
	if got, want := err.Error(), "launch chromium: exec: not found"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if got := New(UseAfterClose, "").Error(); got != string(UseAfterClose) {
		t.Fatalf("empty message should fall back to code, got %q", got)
	}
}
