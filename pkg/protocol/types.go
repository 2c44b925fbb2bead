package protocol

// Control message actions.
const (
	ActionStart = "start"
	ActionEnd   = "end"
)

// Endpoint path served by the receiving server.
const StreamPath = "/stream-model"

// Status message prefixes sent by the receiving server as text messages.
const (
	StatusStartedPrefix  = "Started saving "
	StatusFinishedPrefix = "Finished saving "
	StatusErrorPrefix    = "Error: "
)

// FrameKind distinguishes the three frames of a file transfer.
type FrameKind int

const (
	FrameStart FrameKind = iota
	FrameData
	FrameEnd
)

func (k FrameKind) String() string {
	switch k {
	case FrameStart:
		return "start"
	case FrameData:
		return "data"
	case FrameEnd:
		return "end"
	default:
		return "unknown"
	}
}
