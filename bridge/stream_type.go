package bridge

import (
	"fmt"
	"time"
)

// StreamType classifies the media a packet carries. It selects the QoS
// latency budget and identifies the sub-stream a packet travels on.
type StreamType uint8

const (
	// StreamAudio carries voice frames. Tightest latency budget, highest
	// flush priority.
	StreamAudio StreamType = iota
	// StreamVideo carries camera video frames.
	StreamVideo
	// StreamScreenShare carries screen capture frames.
	StreamScreenShare
	// StreamData carries application data. Best-effort, lowest priority.
	StreamData

	numStreamTypes = 4
)

// streamTypesByPriority lists all types from highest to lowest flush
// priority. Pending queues are drained strictly in this order.
var streamTypesByPriority = [numStreamTypes]StreamType{
	StreamAudio, StreamVideo, StreamScreenShare, StreamData,
}

// Valid reports whether the value is a known stream type.
func (t StreamType) Valid() bool {
	return t < numStreamTypes
}

// Budget returns the latency budget for the stream type. A queued packet
// older than its budget is stale and dropped instead of delivered late.
// StreamData returns zero, meaning best-effort with no deadline.
func (t StreamType) Budget() time.Duration {
	switch t {
	case StreamAudio:
		return 50 * time.Millisecond
	case StreamVideo:
		return 150 * time.Millisecond
	case StreamScreenShare:
		return 200 * time.Millisecond
	default:
		return 0
	}
}

// String returns a human-readable stream type name.
func (t StreamType) String() string {
	switch t {
	case StreamAudio:
		return "audio"
	case StreamVideo:
		return "video"
	case StreamScreenShare:
		return "screen_share"
	case StreamData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}
