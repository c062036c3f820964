// Package config loads process configuration from flags, environment
// variables, and an optional .env file.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every tunable for the call bridge process.
type Config struct {
	// ARI
	ARIHost        string
	ARIUser        string
	ARIPass        string
	ARITimeoutSecs int
	StasisAppName  string

	// Network endpoints this process advertises/listens on.
	ExternalHost     string
	SIPHost          string
	AudioSocketHost  string
	AudioSocketPort  int

	// Realtime LLM
	RealtimeURL    string
	RealtimeModel  string
	OpenAIAPIKey   string
	Voice          string
	SystemPrompt   string
	Temperature    float64
	VADThreshold   float64
	VADSilenceMs   int
	VADPrefixMs    int

	// Audio formats
	InputFormat       string
	OutputFormat       string
	DefaultSampleRate  int
	RealtimeOutputRate int
	DrainChunkSize     int
	ReaderBytesLimit   int
	InterruptPauseMs   int

	LogLevel string
}

// Load parses flags and overlays environment variables (and an optional
// .env file, loaded first so real environment variables still win).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	flag.StringVar(&cfg.ARIHost, "ari-host", "127.0.0.1:8088", "Asterisk ARI host:port")
	flag.StringVar(&cfg.ARIUser, "ari-user", "asterisk", "ARI basic-auth username")
	flag.StringVar(&cfg.ARIPass, "ari-pass", "", "ARI basic-auth password")
	flag.IntVar(&cfg.ARITimeoutSecs, "ari-timeout", 60, "ARI REST request timeout, seconds")
	flag.StringVar(&cfg.StasisAppName, "stasis-app", "callbridge", "Stasis application name")

	flag.StringVar(&cfg.ExternalHost, "external-host", "", "host:port this process advertises for external media")
	flag.StringVar(&cfg.SIPHost, "sip-host", "", "upstream SIP host (informational, passed to ARI endpoint strings)")
	flag.StringVar(&cfg.AudioSocketHost, "audiosocket-host", "0.0.0.0", "AudioSocket TCP listen address")
	flag.IntVar(&cfg.AudioSocketPort, "audiosocket-port", 9092, "AudioSocket TCP listen port")

	flag.StringVar(&cfg.RealtimeURL, "realtime-url", "wss://api.openai.com/v1/realtime", "Realtime API base WebSocket URL")
	flag.StringVar(&cfg.RealtimeModel, "realtime-model", "gpt-4o-realtime-preview", "Realtime API model name")
	flag.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "bearer token for the Realtime API")
	flag.StringVar(&cfg.Voice, "voice", "shimmer", "Realtime API voice")
	flag.StringVar(&cfg.SystemPrompt, "system-prompt", "You are a helpful phone assistant. Speak naturally and keep replies short.", "Realtime session instructions")
	flag.Float64Var(&cfg.Temperature, "temperature", 0.7, "Realtime sampling temperature")
	flag.Float64Var(&cfg.VADThreshold, "vad-threshold", 0.5, "server VAD threshold")
	flag.IntVar(&cfg.VADSilenceMs, "vad-silence-ms", 500, "server VAD silence duration, ms")
	flag.IntVar(&cfg.VADPrefixMs, "vad-prefix-ms", 300, "server VAD prefix padding, ms")

	flag.StringVar(&cfg.InputFormat, "input-format", "g711_alaw", "audio format advertised to the Realtime session for input")
	flag.StringVar(&cfg.OutputFormat, "output-format", "alaw", "AudioSocket egress payload format: alaw or linear")
	flag.IntVar(&cfg.DefaultSampleRate, "telephony-sample-rate", 8000, "telephony-side sample rate, Hz")
	flag.IntVar(&cfg.RealtimeOutputRate, "realtime-sample-rate", 24000, "Realtime API audio sample rate, Hz")
	flag.IntVar(&cfg.DrainChunkSize, "drain-chunk-size", 160, "egress frame size in bytes written per AudioSocket packet")
	flag.IntVar(&cfg.ReaderBytesLimit, "reader-bytes-limit", 1<<20, "maximum buffered AudioSocket parser bytes before a connection is dropped")
	flag.IntVar(&cfg.InterruptPauseMs, "interrupt-pause-ms", 500, "grace pause after barge-in before egress resumes")

	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level: debug, info, warn, error")

	flag.Parse()

	overrideString(&cfg.ARIHost, "ARI_HOST")
	overrideString(&cfg.ARIUser, "ARI_USER")
	overrideString(&cfg.ARIPass, "ARI_PASS")
	overrideInt(&cfg.ARITimeoutSecs, "ARI_TIMEOUT")
	overrideString(&cfg.StasisAppName, "STASIS_APP_NAME")

	overrideString(&cfg.ExternalHost, "EXTERNAL_HOST")
	overrideString(&cfg.SIPHost, "SIP_HOST")
	overrideString(&cfg.AudioSocketHost, "AUDIOSOCKET_HOST")
	overrideInt(&cfg.AudioSocketPort, "AUDIOSOCKET_PORT")

	overrideString(&cfg.RealtimeURL, "REALTIME_URL")
	overrideString(&cfg.RealtimeModel, "REALTIME_MODEL")
	overrideString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Voice, "VOICE")
	overrideFloat(&cfg.VADThreshold, "VAD_THRESHOLD")
	overrideInt(&cfg.VADSilenceMs, "VAD_SILENCE_MS")
	overrideInt(&cfg.VADPrefixMs, "VAD_PREFIX_MS")

	overrideString(&cfg.InputFormat, "INPUT_FORMAT")
	overrideString(&cfg.OutputFormat, "OUTPUT_FORMAT")
	overrideInt(&cfg.DefaultSampleRate, "DEFAULT_SAMPLE_RATE")
	overrideInt(&cfg.RealtimeOutputRate, "OPENAI_OUTPUT_RATE")
	overrideInt(&cfg.DrainChunkSize, "DRAIN_CHUNK_SIZE")
	overrideInt(&cfg.ReaderBytesLimit, "READER_BYTES_LIMIT")
	overrideInt(&cfg.InterruptPauseMs, "INTERRUPT_PAUSE_MS")

	overrideString(&cfg.LogLevel, "LOGLEVEL")

	if cfg.ExternalHost == "" {
		return nil, fmt.Errorf("config: EXTERNAL_HOST (or -external-host) is required so ARI can reach this process for external media")
	}
	if cfg.ARIPass == "" {
		return nil, fmt.Errorf("config: ARI_PASS (or -ari-pass) is required")
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return nil, fmt.Errorf("config: OPENAI_API_KEY (or -openai-api-key) is required")
	}

	return cfg, nil
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideFloat(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
