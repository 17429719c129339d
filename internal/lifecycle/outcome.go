package lifecycle

import "fmt"

// Verdict is the tri-state result of a guarded status write.
type Verdict int

const (
	// Proceed: the guarded update applied, this writer won.
	Proceed Verdict = iota
	// SkipCancelled: the precondition no longer held (cancelled, already
	// terminal, or claimed elsewhere). Not an error.
	SkipCancelled
	// Fail: the store could not be reached; retry later.
	Fail
)

func (v Verdict) String() string {
	switch v {
	case Proceed:
		return "proceed"
	case SkipCancelled:
		return "skip"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Outcome carries a Verdict and, for Fail, the infrastructure error.
type Outcome struct {
	Verdict Verdict
	Err     error
}

// FromUpdate converts the (applied, err) pair returned by a guarded store
// call into an Outcome.
func FromUpdate(applied bool, err error) Outcome {
	switch {
	case err != nil:
		return Outcome{Verdict: Fail, Err: err}
	case !applied:
		return Outcome{Verdict: SkipCancelled}
	default:
		return Outcome{Verdict: Proceed}
	}
}
