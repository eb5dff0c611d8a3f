package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicepad/internal/audio"
	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
	"github.com/loqalabs/loqa-voicepad/internal/microphone"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type toneSource struct{}

func (toneSource) Check() error { return nil }

func (toneSource) Run(ctx context.Context, emit func(audio.Chunk)) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			samples := make([]int16, 80)
			for i := range samples {
				samples[i] = 1000
			}
			emit(audio.Chunk{Samples: samples, SampleRate: 16000, Channels: 1})
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []dictation.ResultEvent
	errs   []dictation.RecognitionError
	ended  int
	endCh  chan struct{}
}

func attach(rec dictation.Recognizer) *recorder {
	r := &recorder{endCh: make(chan struct{})}
	rec.Configure(dictation.RecognizerSettings{Continuous: true, InterimResults: true, Lang: "en-US"})
	rec.OnResult(func(ev dictation.ResultEvent) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	rec.OnError(func(err dictation.RecognitionError) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
	rec.OnEnd(func() {
		r.mu.Lock()
		r.ended++
		r.mu.Unlock()
		close(r.endCh)
	})
	return r
}

func (r *recorder) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.endCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for end")
	}
}

func (r *recorder) snapshot() ([]dictation.ResultEvent, []dictation.RecognitionError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dictation.ResultEvent(nil), r.events...), append([]dictation.RecognitionError(nil), r.errs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewFactory(t *testing.T) {
	factory, err := NewFactory(config.STTConfig{Mode: "none"}, nil, newLogger())
	if err != nil || factory != nil {
		t.Fatalf("expected nil factory for none, got %v, %v", factory != nil, err)
	}
	if _, err := NewFactory(config.STTConfig{Mode: "whisper"}, nil, newLogger()); err == nil {
		t.Fatal("expected unknown mode error")
	}
	if _, err := NewFactory(config.STTConfig{Mode: "exec", Command: "  "}, nil, newLogger()); err == nil {
		t.Fatal("expected empty command error")
	}
	factory, err = NewFactory(config.STTConfig{Mode: "exec", Command: `python3 "scripts/stt.py"`}, nil, newLogger())
	if err != nil || factory == nil {
		t.Fatalf("expected exec factory, got %v", err)
	}
	rec, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if got := rec.(*execRecognizer).cmd; len(got) != 2 || got[1] != "scripts/stt.py" {
		t.Fatalf("unexpected command %q", got)
	}
}

func TestUpsertTracksTrailingUtterance(t *testing.T) {
	s := &session{log: newLogger()}
	var events []dictation.ResultEvent
	s.Configure(dictation.RecognizerSettings{InterimResults: true})
	s.OnResult(func(ev dictation.ResultEvent) { events = append(events, ev) })

	s.upsert("hel", 0.2, false)
	s.upsert("hello", 0.5, false)
	s.upsert("Hello.", 0.9, true)
	s.upsert("wor", 0.3, false)

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, want := range []int{0, 0, 0, 1} {
		if events[i].ResultIndex != want {
			t.Fatalf("event %d index = %d, want %d", i, events[i].ResultIndex, want)
		}
	}
	last := events[3]
	if len(last.Results) != 2 || !last.Results[0].Final || last.Results[1].Final {
		t.Fatalf("unexpected result list %+v", last.Results)
	}
	if last.Results[0].Alternatives[0].Text != "Hello." {
		t.Fatalf("final entry overwritten: %+v", last.Results[0])
	}
	if events[1].Results[0].Alternatives[0].Text != "hello" {
		t.Fatal("events must not alias the live result list")
	}
}

func TestUpsertHonoursSettingsAndEnd(t *testing.T) {
	s := &session{log: newLogger()}
	count := 0
	s.OnResult(func(dictation.ResultEvent) { count++ })

	s.upsert("interim", 0, false)
	if count != 0 {
		t.Fatal("interim delivered with interim results disabled")
	}
	s.upsert("final", 0, true)
	s.end()
	s.end()
	s.upsert("late", 0, true)
	if count != 1 {
		t.Fatalf("expected 1 result, got %d", count)
	}
}

func TestMockRecognizerLifecycle(t *testing.T) {
	device := microphone.NewDevice(toneSource{}, newLogger())
	rec := NewMockRecognizer(device, config.STTConfig{PartialEveryMS: 20}, newLogger())
	r := attach(rec)

	if err := rec.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if device.Live() != 1 {
		t.Fatalf("expected recognizer to hold a stream, live=%d", device.Live())
	}
	waitFor(t, "partial result", func() bool {
		events, _ := r.snapshot()
		return len(events) > 0
	})
	if err := rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	r.waitEnd(t)
	if err := rec.Stop(); !errors.Is(err, errAlreadyStopped) {
		t.Fatalf("expected errAlreadyStopped, got %v", err)
	}

	events, errs := r.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %+v", errs)
	}
	last := events[len(events)-1]
	res := last.Results[last.ResultIndex]
	if !res.Final || !strings.HasPrefix(res.Alternatives[0].Text, "[final transcript samples=") {
		t.Fatalf("unexpected final result %+v", res)
	}
	if device.Live() != 0 {
		t.Fatalf("expected stream released, live=%d", device.Live())
	}
}

func TestStopBeforeStartEnds(t *testing.T) {
	rec := NewMockRecognizer(microphone.NewDevice(toneSource{}, newLogger()), config.STTConfig{}, newLogger())
	r := attach(rec)
	if err := rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	r.waitEnd(t)
}

func TestStartWithoutMicrophone(t *testing.T) {
	var device *microphone.Device
	rec := NewMockRecognizer(device, config.STTConfig{}, newLogger())
	attach(rec)
	if err := rec.Start(); !errors.Is(err, microphone.ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestParseDeepgram(t *testing.T) {
	cases := []struct {
		name  string
		data  string
		text  string
		final bool
		ok    bool
	}{
		{"final", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.98}]}}`, "hello world", true, true},
		{"interim", `{"type":"Results","channel":{"alternatives":[{"transcript":"hello"}]}}`, "hello", false, true},
		{"untyped", `{"is_final":true,"channel":{"alternatives":[{"transcript":"hi"}]}}`, "hi", true, true},
		{"metadata", `{"type":"Metadata","request_id":"x"}`, "", false, false},
		{"empty", `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`, "", false, false},
		{"garbage", `not json`, "", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, _, final, ok := parseDeepgram([]byte(tc.data))
			if text != tc.text || final != tc.final || ok != tc.ok {
				t.Fatalf("got (%q, %v, %v)", text, final, ok)
			}
		})
	}
}

func TestDeepgramStreamsAndFlushes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	type handshake struct {
		query url.Values
		auth  string
	}
	handshakes := make(chan handshake, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshakes <- handshake{query: r.URL.Query(), auth: r.Header.Get("Authorization")}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if kind, _, err := conn.ReadMessage(); err != nil || kind != websocket.BinaryMessage {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","channel":{"alternatives":[{"transcript":"hello"}]}}`))
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && strings.Contains(string(data), "CloseStream") {
				break
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Hello world.","confidence":0.9}]}}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cfg := config.STTConfig{
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen",
		APIKey:   "secret",
		Model:    "nova-2",
	}
	device := microphone.NewDevice(toneSource{}, newLogger())
	rec := NewDeepgramRecognizer(cfg, device, newLogger())
	r := attach(rec)
	if err := rec.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	hs := <-handshakes
	if hs.auth != "Token secret" {
		t.Fatalf("unexpected authorization %q", hs.auth)
	}
	q := hs.query
	if q.Get("encoding") != "linear16" || q.Get("sample_rate") != "16000" || q.Get("language") != "en-US" || q.Get("model") != "nova-2" {
		t.Fatalf("unexpected query %v", q)
	}

	waitFor(t, "interim result", func() bool {
		events, _ := r.snapshot()
		return len(events) > 0
	})
	if err := rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	r.waitEnd(t)

	events, errs := r.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %+v", errs)
	}
	last := events[len(events)-1]
	if len(last.Results) != 1 || !last.Results[0].Final || last.Results[0].Alternatives[0].Text != "Hello world." {
		t.Fatalf("unexpected flushed result %+v", last)
	}
	waitFor(t, "stream release", func() bool { return device.Live() == 0 })
}

func TestDeepgramDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	device := microphone.NewDevice(toneSource{}, newLogger())
	rec := NewDeepgramRecognizer(config.STTConfig{Endpoint: endpoint}, device, newLogger())
	r := attach(rec)
	if err := rec.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.waitEnd(t)

	_, errs := r.snapshot()
	if len(errs) != 1 || errs[0].Code != "network" {
		t.Fatalf("expected one network error, got %+v", errs)
	}
	waitFor(t, "stream release", func() bool { return device.Live() == 0 })
}
