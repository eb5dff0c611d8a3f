package protocol

import "time"

// AudioFrame carries PCM16 microphone audio streamed by a capture client.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// DictationText is one finalized dictation batch.
type DictationText struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// DictationStatus reports a session lifecycle change.
type DictationStatus struct {
	SessionID string    `json:"session_id"`
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechRequest asks for synthesized audio.
type SpeechRequest struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Language  string `json:"language,omitempty"`
	Style     string `json:"style,omitempty"`
	SSML      bool   `json:"ssml,omitempty"`
}

// SpeechChunk is a slice of synthesized PCM16 audio.
type SpeechChunk struct {
	RequestID  string `json:"request_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SpeechStatus reports the outcome of a speech request.
type SpeechStatus struct {
	RequestID string    `json:"request_id"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectDictationText    = "dictation.text"
	SubjectDictationStatus  = "dictation.status"
	SubjectSpeechRequest    = "speech.request"
	SubjectSpeechAudio      = "speech.audio"
	SubjectSpeechDone       = "speech.done"
)

// AudioFrameSubject is the subject a device streams its frames on.
func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}
