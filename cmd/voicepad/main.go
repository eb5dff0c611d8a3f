package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-voicepad/internal/analysis"
	"github.com/loqalabs/loqa-voicepad/internal/audio"
	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
	"github.com/loqalabs/loqa-voicepad/internal/microphone"
	"github.com/loqalabs/loqa-voicepad/internal/runtime"
	"github.com/loqalabs/loqa-voicepad/internal/stt"
	"github.com/loqalabs/loqa-voicepad/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'serve', 'dictate', 'speak' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "dictate":
		err = runDictate(ctx, os.Args[2:])
	case "speak":
		err = runSpeak(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runServe(ctx context.Context, args []string) error {
	var configPath string
	cmd := flag.NewFlagSet("serve", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "voicepad.yaml", "Path to configuration file")
	cmd.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Telemetry.LogLevel)

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// runDictate plays a WAV file into a dictation session and prints each
// finalized batch until the session stops.
func runDictate(ctx context.Context, args []string) error {
	var (
		configPath string
		wavPath    string
		locale     string
		maxWait    time.Duration
	)
	cmd := flag.NewFlagSet("dictate", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
	cmd.StringVar(&wavPath, "wav", "", "16-bit WAV file to dictate from")
	cmd.StringVar(&locale, "locale", "", "Recognition locale")
	cmd.DurationVar(&maxWait, "max", 2*time.Minute, "Give up after this long")
	cmd.Parse(args)

	if wavPath == "" {
		return errors.New("dictate: -wav is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if locale != "" {
		cfg.Dictation.Locale = locale
	}
	logger := newLogger(cfg.Telemetry.LogLevel)

	frame := time.Duration(cfg.Microphone.FrameDurationMS) * time.Millisecond
	device := microphone.NewDevice(microphone.NewWAVSource(wavPath, frame), logger)
	recognizers, err := stt.NewFactory(cfg.STT, device, logger)
	if err != nil {
		return err
	}

	loop := dictation.NewEventLoop(time.Duration(cfg.Dictation.FrameIntervalMS) * time.Millisecond)
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(loopCtx)
	}()
	defer func() {
		cancelLoop()
		<-loopDone
	}()

	stopped := make(chan dictation.StopReason, 1)
	var lines []string
	var failure error
	coordinator := dictation.New(loop, device, analysis.Context{}, recognizers, dictation.Options{
		Locale:           cfg.Dictation.Locale,
		FFTSize:          cfg.Dictation.FFTSize,
		SilenceThreshold: cfg.Dictation.SilenceThreshold,
		SilenceWindow:    time.Duration(cfg.Dictation.SilenceWindowMS) * time.Millisecond,
		OnDictation: func(text string) {
			lines = append(lines, text)
			fmt.Println(text)
		},
		OnError: func(err error) { failure = err },
		OnSessionStop: func(_ string, reason dictation.StopReason) {
			select {
			case stopped <- reason:
			default:
			}
		},
	}, logger)

	var toggleErr error
	if err := loop.Do(ctx, func() { toggleErr = coordinator.Toggle() }); err != nil {
		return err
	}
	if toggleErr != nil {
		return fmt.Errorf("dictate: %w", toggleErr)
	}

	timeout := time.NewTimer(maxWait)
	defer timeout.Stop()
	var reason dictation.StopReason
	select {
	case reason = <-stopped:
	case <-timeout.C:
		reason = dictation.ReasonUser
		_ = loop.Do(context.Background(), func() { _ = coordinator.Toggle() })
	case <-ctx.Done():
		reason = dictation.ReasonUnmount
	}

	// Give the recognizer a moment to flush what it heard after stop.
	time.Sleep(250 * time.Millisecond)
	var count int
	_ = loop.Do(context.Background(), func() {
		coordinator.Close()
		count = len(lines)
		if failure != nil {
			err = failure
		}
	})
	logger.Info("dictation finished", slog.String("reason", string(reason)), slog.Int("batches", count))
	return err
}

func runSpeak(ctx context.Context, args []string) error {
	var (
		configPath string
		text       string
		voice      string
		language   string
		style      string
		ssml       bool
		outPath    string
	)
	cmd := flag.NewFlagSet("speak", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
	cmd.StringVar(&text, "text", "", "Text to speak")
	cmd.StringVar(&voice, "voice", "", "Voice name")
	cmd.StringVar(&language, "language", "", "Language tag")
	cmd.StringVar(&style, "style", "", "Delivery style hint")
	cmd.BoolVar(&ssml, "ssml", false, "Treat text as SSML")
	cmd.StringVar(&outPath, "out", "speech.wav", "Output WAV path")
	cmd.Parse(args)

	if strings.TrimSpace(text) == "" {
		return errors.New("speak: -text is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Telemetry.LogLevel)

	synth, err := tts.NewSynthesizer(cfg.TTS)
	if err != nil {
		return err
	}
	svc := tts.NewService(ctx, cfg.TTS, nil, synth, logger)
	defer svc.Close()

	speech, err := svc.Generate(ctx, tts.SynthRequest{Text: text, Voice: voice, Language: language, Style: style, SSML: ssml})
	if err != nil {
		return err
	}
	samples, err := audio.DecodePCM16(speech.PCM)
	if err != nil {
		return err
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer f.Close()
	if err := audio.WriteWAV(f, samples, speech.SampleRate, speech.Channels); err != nil {
		return err
	}
	logger.Info("speech written", slog.String("path", outPath), slog.String("voice", speech.Voice), slog.String("request_id", speech.RequestID))
	return nil
}
