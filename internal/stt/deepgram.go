package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicepad/internal/audio"
	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
)

const (
	deepgramQueue     = 64
	deepgramCloseWait = 5 * time.Second
)

// deepgramRecognizer streams linear16 PCM to a Deepgram-compatible listen
// endpoint and turns its Results messages into result events.
type deepgramRecognizer struct {
	session
	cfg    config.STTConfig
	dialer *websocket.Dialer
	chunks chan audio.Chunk
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func NewDeepgramRecognizer(cfg config.STTConfig, devices dictation.MediaDevices, log *slog.Logger) dictation.Recognizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &deepgramRecognizer{
		session: session{devices: devices, log: log},
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		chunks:  make(chan audio.Chunk, deepgramQueue),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start captures the microphone and returns; the connection is dialled once
// the first chunk reveals the stream format.
func (d *deepgramRecognizer) Start() error {
	if err := d.open(d.ctx); err != nil {
		d.cancel()
		return err
	}
	unsubscribe := d.stream.Subscribe(func(c audio.Chunk) {
		select {
		case d.chunks <- c:
		default:
			d.log.Debug("dropping audio chunk, recognizer behind")
		}
	})
	go d.run(unsubscribe)
	return nil
}

func (d *deepgramRecognizer) Stop() error {
	if !d.markStopped() {
		return errAlreadyStopped
	}
	if !d.capturing() {
		d.end()
		return nil
	}
	close(d.stop)
	return nil
}

func (d *deepgramRecognizer) run(unsubscribe func()) {
	defer d.end()
	defer d.release()
	defer d.cancel()
	defer unsubscribe()

	var first audio.Chunk
	select {
	case first = <-d.chunks:
	case <-d.stop:
		return
	case <-d.stream.Done():
		d.fail("audio-capture", errors.New("microphone stream ended"))
		return
	}

	dialCtx, cancelDial := context.WithCancel(d.ctx)
	go func() {
		select {
		case <-d.stop:
			cancelDial()
		case <-dialCtx.Done():
		}
	}()
	conn, err := d.dial(dialCtx, first.SampleRate, first.Channels)
	cancelDial()
	if err != nil {
		if !d.stopping() {
			d.fail("network", err)
		}
		return
	}
	defer conn.Close()
	d.log.Info("connected to recognizer", slog.String("endpoint", d.cfg.Endpoint))

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		d.read(conn)
	}()

	if err := conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(first.Samples)); err != nil {
		d.fail("network", fmt.Errorf("send audio: %w", err))
		return
	}
	for {
		select {
		case c := <-d.chunks:
			if err := conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(c.Samples)); err != nil {
				d.fail("network", fmt.Errorf("send audio: %w", err))
				return
			}
		case <-readDone:
			return
		case <-d.stream.Done():
			d.fail("audio-capture", errors.New("microphone stream ended"))
			return
		case <-d.stop:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
				d.log.Debug("close stream failed", slogError(err))
				return
			}
			select {
			case <-readDone:
			case <-time.After(deepgramCloseWait):
				d.log.Warn("recognizer did not flush before close")
			}
			return
		}
	}
}

func (d *deepgramRecognizer) dial(ctx context.Context, sampleRate, channels int) (*websocket.Conn, error) {
	endpoint, err := d.listenURL(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if d.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+d.cfg.APIKey)
	}
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial recognizer: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial recognizer: %w", err)
	}
	return conn, nil
}

func (d *deepgramRecognizer) listenURL(sampleRate, channels int) (string, error) {
	u, err := url.Parse(d.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse stt endpoint: %w", err)
	}
	if channels <= 0 {
		channels = 1
	}
	settings := d.config()
	q := u.Query()
	if d.cfg.Model != "" {
		q.Set("model", d.cfg.Model)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	if settings.Lang != "" {
		q.Set("language", settings.Lang)
	}
	q.Set("interim_results", strconv.FormatBool(settings.InterimResults))
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *deepgramRecognizer) read(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !d.stopping() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				d.fail("network", fmt.Errorf("read recognizer: %w", err))
			}
			return
		}
		text, confidence, final, ok := parseDeepgram(data)
		if !ok {
			continue
		}
		d.upsert(text, confidence, final)
	}
}

// parseDeepgram extracts the top hypothesis from a Results message.
func parseDeepgram(data []byte) (text string, confidence float64, final bool, ok bool) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", 0, false, false
	}
	if msg.Type != "" && msg.Type != "Results" {
		return "", 0, false, false
	}
	if len(msg.Channel.Alternatives) == 0 {
		return "", 0, false, false
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return "", 0, false, false
	}
	return alt.Transcript, alt.Confidence, msg.IsFinal, true
}
