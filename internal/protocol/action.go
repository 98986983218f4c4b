package protocol

import (
	"fmt"

	"github.com/danmuck/readerlink/internal/protocol/schema"
)

// Action is the operation a Message asks the peer to perform.
type Action uint32

const (
	ActionOpenSession        = Action(schema.MsgOpenSession)
	ActionTransmitBatch      = Action(schema.MsgTransmitBatch)
	ActionTransmitSingle     = Action(schema.MsgTransmitSingle)
	ActionCloseSession       = Action(schema.MsgCloseSession)
	ActionError              = Action(schema.MsgError)
	ActionKeepAlive          = Action(schema.MsgKeepAlive)
	ActionReaderDisconnected = Action(schema.MsgReaderDisconnected)
)

func (a Action) String() string {
	switch a {
	case ActionOpenSession:
		return "OPEN_SESSION"
	case ActionTransmitBatch:
		return "TRANSMIT_BATCH"
	case ActionTransmitSingle:
		return "TRANSMIT_SINGLE"
	case ActionCloseSession:
		return "CLOSE_SESSION"
	case ActionError:
		return "ERROR"
	case ActionKeepAlive:
		return "KEEP_ALIVE"
	case ActionReaderDisconnected:
		return "READER_DISCONNECTED"
	default:
		return fmt.Sprintf("ACTION(%d)", uint32(a))
	}
}

func (a Action) Valid() bool {
	return schema.Known(uint32(a))
}
