package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicepad/internal/audio"
	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
	"github.com/mattn/go-shellwords"
)

// execRecognizer re-transcribes the buffered utterance with an external
// command: periodically as an interim hypothesis and once more, final, when
// stopped.
type execRecognizer struct {
	session
	cmd   []string
	cfg   config.STTConfig
	every time.Duration

	bufMu      sync.Mutex
	pcm        []int16
	sampleRate int
	dirty      bool

	runMu  sync.Mutex
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return args, nil
}

func NewExecRecognizer(cfg config.STTConfig, devices dictation.MediaDevices, log *slog.Logger) (dictation.Recognizer, error) {
	args, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	every := time.Duration(cfg.PartialEveryMS) * time.Millisecond
	if every <= 0 {
		every = 800 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &execRecognizer{
		session: session{devices: devices, log: log},
		cmd:     args,
		cfg:     cfg,
		every:   every,
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (r *execRecognizer) Start() error {
	if err := r.open(r.ctx); err != nil {
		r.cancel()
		return err
	}
	unsubscribe := r.stream.Subscribe(r.buffer)
	go func() {
		defer r.cancel()
		defer unsubscribe()
		ticker := time.NewTicker(r.every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.transcribe(false)
			case <-r.stream.Done():
				r.fail("audio-capture", fmt.Errorf("microphone stream ended"))
				r.release()
				r.end()
				return
			case <-r.stop:
				r.transcribe(true)
				r.release()
				r.end()
				return
			}
		}
	}()
	return nil
}

func (r *execRecognizer) Stop() error {
	if !r.markStopped() {
		return errAlreadyStopped
	}
	if !r.capturing() {
		r.end()
		return nil
	}
	close(r.stop)
	return nil
}

func (r *execRecognizer) buffer(c audio.Chunk) {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	r.pcm = append(r.pcm, audio.Downmix(c.Samples, c.Channels)...)
	r.sampleRate = c.SampleRate
	r.dirty = true
}

func (r *execRecognizer) transcribe(final bool) {
	r.bufMu.Lock()
	if !final && !r.dirty {
		r.bufMu.Unlock()
		return
	}
	pcm := append([]int16(nil), r.pcm...)
	rate := r.sampleRate
	r.dirty = false
	r.bufMu.Unlock()

	if len(pcm) == 0 || rate <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, 45*time.Second)
	defer cancel()
	result, err := r.run(ctx, pcm, rate, final)
	if err != nil {
		r.fail("network", err)
		return
	}
	if result.Text == "" {
		return
	}
	r.upsert(result.Text, result.Confidence, final)
}

func (r *execRecognizer) run(ctx context.Context, pcm []int16, sampleRate int, final bool) (execResult, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	file, err := os.CreateTemp("", "voicepad_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, sampleRate, 1); err != nil {
		return execResult{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if lang := r.config().Lang; lang != "" {
		args = append(args, "--language", lang)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}
