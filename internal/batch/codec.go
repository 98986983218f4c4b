package batch

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedBody = errors.New("batch: malformed body")

const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
)

type outcomeWire struct {
	Status    string          `json:"status"`
	Groups    []GroupResponse `json:"groups,omitempty"`
	Completed []GroupResponse `json:"completed,omitempty"`
	Partial   *GroupResponse  `json:"partial,omitempty"`
	Single    bool            `json:"single,omitempty"`
	Cause     string          `json:"cause,omitempty"`
}

func EncodeRequest(req Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

func DecodeRequest(b []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if err := req.Validate(); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return req, nil
}

func EncodeComplete(groups []GroupResponse) ([]byte, error) {
	return json.Marshal(outcomeWire{Status: StatusComplete, Groups: groups})
}

// EncodePartial copies pf verbatim. Nothing is padded or trimmed.
func EncodePartial(pf *PartialFailure) ([]byte, error) {
	if pf == nil {
		return nil, fmt.Errorf("%w: nil partial failure", ErrMalformedBody)
	}
	partial := pf.Partial
	return json.Marshal(outcomeWire{
		Status:    StatusPartial,
		Completed: pf.Completed,
		Partial:   &partial,
		Single:    pf.Single,
		Cause:     pf.Cause,
	})
}

// EncodeOutcome encodes a complete or partial result. Rejected and transport
// results never travel as outcomes.
func EncodeOutcome(res Result) ([]byte, error) {
	switch res.Kind {
	case KindComplete:
		return EncodeComplete(res.Groups)
	case KindPartial:
		pf, ok := AsPartialFailure(res.Err)
		if !ok {
			return nil, fmt.Errorf("%w: partial result without partial failure", ErrMalformedBody)
		}
		return EncodePartial(pf)
	default:
		return nil, fmt.Errorf("%w: %s result has no outcome body", ErrMalformedBody, res.Kind)
	}
}

// DecodeOutcome rebuilds a complete or partial Result from a reply body.
func DecodeOutcome(b []byte) (Result, error) {
	var w outcomeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	switch w.Status {
	case StatusComplete:
		return Complete(w.Groups), nil
	case StatusPartial:
		if w.Partial == nil {
			return Result{}, fmt.Errorf("%w: partial outcome without partial group", ErrMalformedBody)
		}
		pf := &PartialFailure{
			Completed: w.Completed,
			Partial:   *w.Partial,
			Single:    w.Single,
			Cause:     w.Cause,
		}
		if pf.Single {
			pf.Completed = nil
		}
		return Partial(pf), nil
	default:
		return Result{}, fmt.Errorf("%w: unknown outcome status %q", ErrMalformedBody, w.Status)
	}
}
