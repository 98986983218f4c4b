package protocol

// Error codes carried by ActionError replies.
const (
	CodeUnauthorized     = "ERR_UNAUTHORIZED"
	CodeReaderNotFound   = "ERR_READER_NOT_FOUND"
	CodeDuplicateSession = "ERR_DUPLICATE_SESSION"
	CodeUnknownSession   = "ERR_UNKNOWN_SESSION"
	CodeMalformedMessage = "ERR_MALFORMED_MESSAGE"
	CodeReaderIO         = "ERR_READER_IO"
	// CodeNoReaderAvailable: every reader of the requested group is allocated.
	CodeNoReaderAvailable = "ERR_NO_READER_AVAILABLE"
)
