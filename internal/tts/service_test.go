package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicepad/internal/bus"
	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/natsserver"
	"github.com/loqalabs/loqa-voicepad/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.TTSConfig {
	return config.Default().TTS
}

func TestResolveAppliesDefaults(t *testing.T) {
	c := NewCatalogue(testConfig())

	req, err := c.Resolve(SynthRequest{Text: "  hello  "})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Text != "hello" || req.Voice != "alloy" || req.Language != "en-US" || req.RequestID == "" {
		t.Fatalf("unexpected resolved request %+v", req)
	}

	req, err = c.Resolve(SynthRequest{Text: "cheerio", Voice: "SAGE"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Voice != "sage" || req.Language != "en-GB" {
		t.Fatalf("expected voice language, got %+v", req)
	}

	req, err = c.Resolve(SynthRequest{Text: "hola", Voice: "nova", Language: "es-ES", RequestID: "r1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Language != "es-ES" || req.RequestID != "r1" {
		t.Fatalf("explicit fields overwritten: %+v", req)
	}
}

func TestResolveRejects(t *testing.T) {
	c := NewCatalogue(testConfig())
	if _, err := c.Resolve(SynthRequest{Text: "   "}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if _, err := c.Resolve(SynthRequest{Text: "hi", Voice: "robot"}); !errors.Is(err, ErrUnknownVoice) {
		t.Fatalf("expected ErrUnknownVoice, got %v", err)
	}
}

func TestSplitChunks(t *testing.T) {
	pcm := make([]byte, 1000)
	parts := split(pcm, 1000, 1, 200*time.Millisecond)
	if len(parts) != 3 || len(parts[0]) != 400 || len(parts[2]) != 200 {
		t.Fatalf("unexpected split %d parts", len(parts))
	}
	if parts := split(nil, 1000, 1, time.Second); len(parts) != 1 {
		t.Fatalf("expected single empty chunk, got %d", len(parts))
	}
}

func TestGenerateWithMock(t *testing.T) {
	cfg := testConfig()
	cfg.SampleRate = 8000
	cfg.ChunkDurationMS = 100
	svc := NewService(context.Background(), cfg, nil, NewMockSynth(cfg.SampleRate, cfg.Channels, 100*time.Millisecond), newLogger())
	defer svc.Close()

	speech, err := svc.Generate(context.Background(), SynthRequest{Text: "two words"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := 2 * int(8000*mockWordDuration.Seconds()) * 2
	if len(speech.PCM) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(speech.PCM))
	}
	if speech.SampleRate != 8000 || speech.Channels != 1 || speech.Voice != "alloy" {
		t.Fatalf("unexpected speech %+v", speech)
	}
	if _, err := svc.Generate(context.Background(), SynthRequest{Text: "x", Voice: "robot"}); !errors.Is(err, ErrUnknownVoice) {
		t.Fatalf("expected unknown voice, got %v", err)
	}
}

func TestRemoteSynth(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"bad key"}`))
			return
		}
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Voice != "nova" || !req.SSML {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(remoteResponse{AudioBase64: base64.StdEncoding.EncodeToString(pcm), SampleRate: 16000, Channels: 1})
	}))
	defer srv.Close()

	cfg := testConfig()
	synth := NewRemoteSynth(srv.URL, "key", time.Second, cfg.SampleRate, cfg.Channels, 50*time.Millisecond)
	svc := NewService(context.Background(), cfg, nil, synth, newLogger())
	defer svc.Close()

	speech, err := svc.Generate(context.Background(), SynthRequest{Text: "<speak>hi</speak>", Voice: "nova", SSML: true})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if speech.SampleRate != 16000 || string(speech.PCM) != string(pcm) {
		t.Fatalf("unexpected speech rate=%d len=%d", speech.SampleRate, len(speech.PCM))
	}

	bad := NewRemoteSynth(srv.URL, "wrong", time.Second, cfg.SampleRate, cfg.Channels, 0)
	svc = NewService(context.Background(), cfg, nil, bad, newLogger())
	defer svc.Close()
	_, err = svc.Generate(context.Background(), SynthRequest{Text: "hi", Voice: "nova"})
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestNewSynthesizer(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := NewSynthesizer(cfg); err == nil {
		t.Fatal("expected empty command error")
	}
	cfg.Mode = "carrier-pigeon"
	if _, err := NewSynthesizer(cfg); err == nil {
		t.Fatal("expected unknown mode error")
	}
}

func TestServiceAnswersBusRequests(t *testing.T) {
	srv, err := natsserver.StartEphemeral(newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	client := bus.New(conn, newLogger())
	t.Cleanup(client.Close)

	cfg := testConfig()
	svc := NewService(context.Background(), cfg, client, NewMockSynth(8000, 1, 50*time.Millisecond), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	chunks, err := conn.SubscribeSync(protocol.SubjectSpeechAudio)
	if err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
	done, err := conn.SubscribeSync(protocol.SubjectSpeechDone)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON(protocol.SubjectSpeechRequest, protocol.SpeechRequest{RequestID: "req-1", Text: "hello there"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var last protocol.SpeechChunk
	for !last.Final {
		msg, err := chunks.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("next chunk: %v", err)
		}
		if err := json.Unmarshal(msg.Data, &last); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if last.RequestID != "req-1" {
			t.Fatalf("unexpected request id %q", last.RequestID)
		}
	}
	msg, err := done.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next status: %v", err)
	}
	var status protocol.SpeechStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Completed || status.RequestID != "req-1" {
		t.Fatalf("unexpected status %+v", status)
	}

	if err := client.PublishJSON(protocol.SubjectSpeechRequest, protocol.SpeechRequest{RequestID: "req-2", Text: "hi", Voice: "robot"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err = done.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next status: %v", err)
	}
	status = protocol.SpeechStatus{}
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Completed || status.RequestID != "req-2" || !strings.Contains(status.Error, "unknown voice") {
		t.Fatalf("expected rejected status, got %+v", status)
	}
}
