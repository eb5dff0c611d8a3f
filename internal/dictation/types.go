package dictation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupported is returned by Toggle when no recognizer is available.
	ErrUnsupported = errors.New("speech recognition not supported")
	// ErrClosed is returned by Toggle after Close.
	ErrClosed = errors.New("dictation closed")
)

// TranscriptSegment is one recognized hypothesis.
type TranscriptSegment struct {
	Text       string
	Confidence float64
}

// Result is one entry of the recognizer's result list. Alternatives are
// ordered best first.
type Result struct {
	Alternatives []TranscriptSegment
	Final        bool
}

// ResultEvent reports the recognizer's result list. Entries before
// ResultIndex were already reported in earlier events.
type ResultEvent struct {
	ResultIndex int
	Results     []Result
}

// RecognitionError is a provider reported failure.
type RecognitionError struct {
	Code    string
	Message string
}

func (e RecognitionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("recognition error: %s", e.Code)
	}
	return fmt.Sprintf("recognition error: %s: %s", e.Code, e.Message)
}

// RecognizerSettings configures a recognizer before Start.
type RecognizerSettings struct {
	Continuous     bool
	InterimResults bool
	Lang           string
}

// Recognizer is a continuous speech recognition backend. Handlers may be
// invoked from any goroutine.
type Recognizer interface {
	Configure(settings RecognizerSettings)
	OnResult(handler func(ResultEvent))
	OnError(handler func(RecognitionError))
	OnEnd(handler func())
	Start() error
	Stop() error
}

// RecognizerFactory builds a fresh recognizer for each session.
type RecognizerFactory func() (Recognizer, error)

// MediaTrack is one captured input track.
type MediaTrack interface {
	Stop()
}

// MediaStream is a live microphone capture.
type MediaStream interface {
	Tracks() []MediaTrack
}

// MediaDevices grants microphone access. GetUserMedia may block.
type MediaDevices interface {
	GetUserMedia(ctx context.Context) (MediaStream, error)
}

// AnalysisGraph exposes time-domain amplitude frames of a stream as
// unsigned 8-bit samples centred on 128.
type AnalysisGraph interface {
	ByteTimeDomainData(dst []byte)
	Closed() bool
	Close() error
}

// AudioContextFactory builds analysis graphs.
type AudioContextFactory interface {
	NewGraph(stream MediaStream, fftSize int) (AnalysisGraph, error)
}

// FrameHandle identifies a pending frame callback. Zero means none.
type FrameHandle uint64

// Timer is a pending deferred callback.
type Timer interface {
	Stop() bool
}

// Host is the cooperative scheduler every coordinator callback runs on.
// Post, RequestFrame, CancelFrame and AfterFunc callbacks never run
// concurrently with each other. Go runs blocking work off the loop.
type Host interface {
	Post(fn func())
	RequestFrame(fn func()) FrameHandle
	CancelFrame(h FrameHandle)
	AfterFunc(d time.Duration, fn func()) Timer
	Go(fn func())
}
