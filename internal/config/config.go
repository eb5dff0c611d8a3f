package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Dictation   DictationConfig  `yaml:"dictation"`
	Microphone  MicrophoneConfig `yaml:"microphone"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type DictationConfig struct {
	Locale           string  `yaml:"locale"`
	FFTSize          int     `yaml:"fft_size"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	SilenceWindowMS  int     `yaml:"silence_window_ms"`
	FrameIntervalMS  int     `yaml:"frame_interval_ms"`
}

type MicrophoneConfig struct {
	Mode            string `yaml:"mode"` // none, bus, wav
	DeviceID        string `yaml:"device_id"`
	WAVPath         string `yaml:"wav_path"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // none, mock, exec, deepgram
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
}

type Voice struct {
	Name     string `yaml:"name" json:"name"`
	Language string `yaml:"language" json:"language"`
}

type TTSConfig struct {
	Mode            string  `yaml:"mode"` // mock, exec, remote
	Command         string  `yaml:"command"`
	Endpoint        string  `yaml:"endpoint"`
	APIKey          string  `yaml:"api_key"`
	TimeoutMS       int     `yaml:"timeout_ms"`
	DefaultVoice    string  `yaml:"default_voice"`
	DefaultLanguage string  `yaml:"default_language"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
	Voices          []Voice `yaml:"voices"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicepad",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicepad-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Dictation: DictationConfig{
			Locale:           "en-US",
			FFTSize:          256,
			SilenceThreshold: 5,
			SilenceWindowMS:  2000,
			FrameIntervalMS:  16,
		},
		Microphone: MicrophoneConfig{
			Mode:            "bus",
			DeviceID:        "default",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
		},
		STT: STTConfig{
			Mode:           "mock",
			Endpoint:       "wss://api.deepgram.com/v1/listen",
			Model:          "nova-2",
			PartialEveryMS: 800,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			TimeoutMS:       45000,
			DefaultVoice:    "alloy",
			DefaultLanguage: "en-US",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
			Voices: []Voice{
				{Name: "alloy", Language: "en-US"},
				{Name: "nova", Language: "en-US"},
				{Name: "sage", Language: "en-GB"},
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICEPAD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEPAD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEPAD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEPAD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEPAD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEPAD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEPAD_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "VOICEPAD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICEPAD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEPAD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEPAD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEPAD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEPAD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEPAD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEPAD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEPAD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEPAD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEPAD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEPAD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEPAD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICEPAD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEPAD_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Dictation.Locale, "VOICEPAD_DICTATION_LOCALE")
	overrideInt(&cfg.Dictation.FFTSize, "VOICEPAD_DICTATION_FFT_SIZE")
	overrideFloat(&cfg.Dictation.SilenceThreshold, "VOICEPAD_DICTATION_SILENCE_THRESHOLD")
	overrideInt(&cfg.Dictation.SilenceWindowMS, "VOICEPAD_DICTATION_SILENCE_WINDOW_MS")
	overrideInt(&cfg.Dictation.FrameIntervalMS, "VOICEPAD_DICTATION_FRAME_INTERVAL_MS")
	overrideString(&cfg.Microphone.Mode, "VOICEPAD_MICROPHONE_MODE")
	overrideString(&cfg.Microphone.DeviceID, "VOICEPAD_MICROPHONE_DEVICE_ID")
	overrideString(&cfg.Microphone.WAVPath, "VOICEPAD_MICROPHONE_WAV_PATH")
	overrideInt(&cfg.Microphone.SampleRate, "VOICEPAD_MICROPHONE_SAMPLE_RATE")
	overrideInt(&cfg.Microphone.Channels, "VOICEPAD_MICROPHONE_CHANNELS")
	overrideInt(&cfg.Microphone.FrameDurationMS, "VOICEPAD_MICROPHONE_FRAME_DURATION_MS")
	overrideString(&cfg.STT.Mode, "VOICEPAD_STT_MODE")
	overrideString(&cfg.STT.Command, "VOICEPAD_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VOICEPAD_STT_MODEL_PATH")
	overrideString(&cfg.STT.Endpoint, "VOICEPAD_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "VOICEPAD_STT_API_KEY")
	overrideString(&cfg.STT.Model, "VOICEPAD_STT_MODEL")
	overrideInt(&cfg.STT.PartialEveryMS, "VOICEPAD_STT_PARTIAL_EVERY_MS")
	overrideString(&cfg.TTS.Mode, "VOICEPAD_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOICEPAD_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "VOICEPAD_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "VOICEPAD_TTS_API_KEY")
	overrideInt(&cfg.TTS.TimeoutMS, "VOICEPAD_TTS_TIMEOUT_MS")
	overrideString(&cfg.TTS.DefaultVoice, "VOICEPAD_TTS_DEFAULT_VOICE")
	overrideString(&cfg.TTS.DefaultLanguage, "VOICEPAD_TTS_DEFAULT_LANGUAGE")
	overrideInt(&cfg.TTS.SampleRate, "VOICEPAD_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "VOICEPAD_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "VOICEPAD_TTS_CHUNK_DURATION_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Dictation.Locale == "" {
		return errors.New("dictation.locale must not be empty")
	}
	if n := cfg.Dictation.FFTSize; n < 32 || n > 32768 || n&(n-1) != 0 {
		return errors.New("dictation.fft_size must be a power of two between 32 and 32768")
	}
	if cfg.Dictation.SilenceThreshold <= 0 {
		return errors.New("dictation.silence_threshold must be positive")
	}
	if cfg.Dictation.SilenceWindowMS <= 0 {
		return errors.New("dictation.silence_window_ms must be positive")
	}
	if cfg.Dictation.FrameIntervalMS <= 0 {
		return errors.New("dictation.frame_interval_ms must be positive")
	}
	switch cfg.Microphone.Mode {
	case "none":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("microphone.mode=bus requires bus.enabled")
		}
		if cfg.Microphone.DeviceID == "" {
			return errors.New("microphone.device_id must be set when mode=bus")
		}
	case "wav":
		if cfg.Microphone.WAVPath == "" {
			return errors.New("microphone.wav_path must be set when mode=wav")
		}
	default:
		return errors.New("microphone.mode must be one of none|bus|wav")
	}
	if cfg.Microphone.SampleRate <= 0 {
		return errors.New("microphone.sample_rate must be positive")
	}
	if cfg.Microphone.Channels <= 0 {
		return errors.New("microphone.channels must be positive")
	}
	if cfg.Microphone.FrameDurationMS <= 0 {
		return errors.New("microphone.frame_duration_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "none", "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "deepgram":
		if cfg.STT.Endpoint == "" || cfg.STT.APIKey == "" {
			return errors.New("stt.endpoint and stt.api_key must be set when mode=deepgram")
		}
	default:
		return errors.New("stt.mode must be one of none|mock|exec|deepgram")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "remote":
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=remote")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|remote")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if len(cfg.TTS.Voices) == 0 {
		return errors.New("tts.voices must not be empty")
	}
	known := false
	for _, v := range cfg.TTS.Voices {
		if v.Name == "" {
			return errors.New("tts.voices entries need a name")
		}
		if v.Name == cfg.TTS.DefaultVoice {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("tts.default_voice %q is not in tts.voices", cfg.TTS.DefaultVoice)
	}
	return nil
}
