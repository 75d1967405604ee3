package coordinator

import (
	"os"
	"time"

	"mediarchiver/internal/fileutil"
	"mediarchiver/internal/rpcproto"
)

// State is a session's position in the per-connection state machine.
type State int

const (
	StateFresh State = iota
	// StateIdle also covers the "Authenticated" state: authenticated with no
	// streams open.
	StateIdle
	StateDownloading
	// StateAwaitingResult is Downloading once read_chunk has reported EOF: the
	// download stream is still open (post_file closes it after checking the
	// byte count) but no further read_chunk calls are expected.
	StateAwaitingResult
	StateUploading
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "Fresh"
	case StateIdle:
		return "Idle"
	case StateDownloading:
		return "Downloading"
	case StateAwaitingResult:
		return "AwaitingResult"
	case StateUploading:
		return "Uploading"
	default:
		return "Unknown"
	}
}

// session is per-connection state, keyed by the RPC transport's connection
// id. token is a client-chosen opaque string that lets a worker reclaim a
// session after a transport drop (see Coordinator.Authenticate).
type session struct {
	connID       uint64
	token        string
	lastActivity time.Time
	state        State

	reservedSourceID int64
	srcPath          string
	srcTimes         fileutil.Times

	dlFile    *os.File
	bytesRead int64

	ulFile       *os.File
	tmpPath      string
	bytesWritten int64

	encSettings rpcproto.MediaEncoderSettings
	encResult   rpcproto.EncodingResultInfo
}

func (s *session) hasOpenStreams() bool {
	return s.dlFile != nil || s.ulFile != nil
}
