package batch

import (
	"errors"
	"fmt"
)

var (
	ErrPartialFailure = errors.New("batch: partial failure")
	ErrRemoteRejected = errors.New("batch: remote rejected request")
)

// Kind distinguishes the outcomes a caller must branch on.
type Kind int

const (
	// KindComplete: every requested group ran (or StopOnFirstMatch ended early).
	KindComplete Kind = iota
	// KindPartial: execution halted part-way; the data says exactly where.
	KindPartial
	// KindRejected: the peer refused the request; nothing executed.
	KindRejected
	// KindTransport: the transport failed; execution state is unknown.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindComplete:
		return "complete"
	case KindPartial:
		return "partial"
	case KindRejected:
		return "rejected"
	case KindTransport:
		return "transport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PartialFailure is the card-level failure state: completed groups in order
// plus the in-flight group's own prefix of responses.
type PartialFailure struct {
	Completed []GroupResponse
	Partial   GroupResponse
	Single    bool
	Cause     string
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf(
		"batch: partial failure after %d completed groups, %d responses in failing group: %s",
		len(e.Completed),
		len(e.Partial.Responses),
		e.Cause,
	)
}

func (e *PartialFailure) Is(target error) bool {
	return target == ErrPartialFailure
}

// AsPartialFailure extracts the partial state from err, if any.
func AsPartialFailure(err error) (*PartialFailure, bool) {
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}

// RemoteError is an error reply from the peer.
type RemoteError struct {
	Code    string
	Message string
	// Cause is the local sentinel the code maps to, if any.
	Cause error
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("batch: remote rejected: %s", e.Code)
	}
	return fmt.Sprintf("batch: remote rejected: %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRemoteRejected}
	}
	return []error{ErrRemoteRejected, e.Cause}
}

// Result is the tagged outcome of one transmit.
type Result struct {
	Kind Kind
	// Groups holds every response on KindComplete, the completed prefix on KindPartial.
	Groups  []GroupResponse
	Partial *GroupResponse
	Err     error
}

func Complete(groups []GroupResponse) Result {
	return Result{Kind: KindComplete, Groups: groups}
}

func Partial(pf *PartialFailure) Result {
	partial := pf.Partial
	return Result{Kind: KindPartial, Groups: pf.Completed, Partial: &partial, Err: pf}
}

func Rejected(err error) Result {
	return Result{Kind: KindRejected, Err: err}
}

func TransportFailure(err error) Result {
	return Result{Kind: KindTransport, Err: err}
}

// Completed returns the fully processed groups for complete and partial results.
func (r Result) Completed() []GroupResponse {
	if r.Kind == KindComplete || r.Kind == KindPartial {
		return r.Groups
	}
	return nil
}

// ResultFromExecution classifies a LocalReader outcome.
func ResultFromExecution(groups []GroupResponse, err error) Result {
	if err == nil {
		return Complete(groups)
	}
	if pf, ok := AsPartialFailure(err); ok {
		return Partial(pf)
	}
	return Rejected(err)
}
