package virtual

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/readerlink/internal/auth"
	"github.com/danmuck/readerlink/internal/batch"
	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/observability"
	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/rs/zerolog/log"
)

// Reader is the local stand-in for one remote native reader.
type Reader struct {
	name      string
	sessionID string
	plugin    *Plugin
}

func (r *Reader) Name() string      { return r.name }
func (r *Reader) SessionID() string { return r.sessionID }

// Transmit sends groups as one batch. A partial failure returns KindPartial
// with the completed groups and the failing group's responses so far; the
// session stays usable.
func (r *Reader) Transmit(ctx context.Context, groups []batch.Group, mode batch.ProcessingMode, channel batch.ChannelControl) (batch.Result, error) {
	return r.transmit(ctx, protocol.ActionTransmitBatch, batch.NewRequest(groups, mode, channel))
}

// TransmitGroup sends a single group. Its partial failure carries no completed groups.
func (r *Reader) TransmitGroup(ctx context.Context, group batch.Group, channel batch.ChannelControl) (batch.Result, error) {
	return r.transmit(ctx, protocol.ActionTransmitSingle, batch.NewSingleRequest(group, channel))
}

func (r *Reader) transmit(ctx context.Context, action protocol.Action, req batch.Request) (batch.Result, error) {
	result := r.roundTrip(ctx, action, req)
	observability.RecordTransmit("client", result.Kind.String())
	if result.Err != nil {
		log.Debug().
			Str("reader", r.name).
			Str("session_id", r.sessionID).
			Str("kind", result.Kind.String()).
			Err(result.Err).
			Msg("virtual.Reader.Transmit")
	}
	return result, result.Err
}

func (r *Reader) roundTrip(ctx context.Context, action protocol.Action, req batch.Request) batch.Result {
	p := r.plugin
	body, err := batch.EncodeRequest(req)
	if err != nil {
		return batch.Rejected(err)
	}
	if _, err := p.sessions.Lookup(r.sessionID); err != nil {
		return batch.Rejected(err)
	}

	reply, err := p.node.Transmit(ctx, p.message(action, r, body))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownSession) {
			return batch.Rejected(err)
		}
		if !node.IsTimeout(err) && !node.IsTransport(err) {
			err = fmt.Errorf("%w: %w", node.ErrNodeTransport, err)
		}
		return batch.TransportFailure(err)
	}
	if reply.IsError() {
		return batch.Rejected(remoteError(reply))
	}
	result, err := batch.DecodeOutcome(reply.Body)
	if err != nil {
		err = fmt.Errorf("%w: %w", node.ErrNodeTransport, err)
		p.closeSession(r.sessionID, err)
		return batch.TransportFailure(err)
	}
	return result
}

// remoteError maps an error reply onto the local sentinel for its code.
func remoteError(reply protocol.Message) *batch.RemoteError {
	return &batch.RemoteError{
		Code:    reply.ErrorCode,
		Message: reply.ErrorMessage,
		Cause:   codeCause(reply.ErrorCode),
	}
}

func codeCause(code string) error {
	switch code {
	case protocol.CodeDuplicateSession:
		return ErrReaderAlreadyRegistered
	case protocol.CodeReaderNotFound:
		return ErrReaderNotFound
	case protocol.CodeUnknownSession:
		return registry.ErrUnknownSession
	case protocol.CodeUnauthorized:
		return auth.ErrUnauthorized
	case protocol.CodeReaderIO:
		return ErrRemoteReaderIO
	case protocol.CodeMalformedMessage:
		return protocol.ErrMalformedMessage
	case protocol.CodeNoReaderAvailable:
		return ErrNoReaderAvailable
	default:
		return nil
	}
}
