// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime knob, sourced from the environment once at
// startup. Boolean keys accept "1" and "true".
type Config struct {
	HTTPPort   string
	StunServer string

	// Floor
	PTTTimeout time.Duration // 0 disables the timeout sweep

	// Signaling timers
	OfferTimeout     time.Duration
	ICEGatherTimeout time.Duration

	// Local audio
	EnableLocalAudio bool
	EnableServerMic  bool
	ServerMicMode    string // "always" or "ptt"
	MicDevice        string
	SpeakerDeviceID  int
	UsePythonAudio   bool // persistent python speaker helper instead of per-session ffplay

	// Relay
	EnableRelay   bool
	RelayPort     string
	RelayBaudRate int

	// Dashboard
	DashPassword string

	// Web push
	VapidPublicKey  string
	VapidPrivateKey string
	VapidSubject    string

	// Logging
	LogLevel         slog.Level
	EnableFileLog    bool
	LogRetentionDays int

	// Paths
	RecordingsDir string
	TempDir       string
	LogsDir       string
}

func Load() (*Config, error) {
	recDir := envOrDefault("RECORDINGS_DIR", "recordings")

	cfg := &Config{
		HTTPPort:   envOrDefault("HTTP_PORT", "9320"),
		StunServer: envOrDefault("STUN_SERVER", "stun:stun.l.google.com:19302"),

		PTTTimeout:       time.Duration(envIntOrDefault("PTT_TIMEOUT", 0)) * time.Millisecond,
		OfferTimeout:     envDurationOrDefault("OFFER_TIMEOUT", 30*time.Second),
		ICEGatherTimeout: envDurationOrDefault("ICE_GATHER_TIMEOUT", 3*time.Second),

		EnableLocalAudio: envBool("ENABLE_LOCAL_AUDIO"),
		EnableServerMic:  envBool("ENABLE_SERVER_MIC"),
		ServerMicMode:    envOrDefault("SERVER_MIC_MODE", "ptt"),
		MicDevice:        os.Getenv("MIC_DEVICE"),
		SpeakerDeviceID:  envIntOrDefault("SPEAKER_DEVICE_ID", 0),
		UsePythonAudio:   envBool("USE_PYTHON_AUDIO"),

		EnableRelay:   envBool("ENABLE_RELAY"),
		RelayPort:     envOrDefault("RELAY_PORT", "COM3"),
		RelayBaudRate: envIntOrDefault("RELAY_BAUD_RATE", 9600),

		DashPassword: os.Getenv("DASH_PASSWORD"),

		VapidPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VapidPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VapidSubject:    envOrDefault("VAPID_SUBJECT", "mailto:admin@localhost"),

		LogLevel:         parseLogLevel(os.Getenv("LOG_LEVEL")),
		EnableFileLog:    envBool("ENABLE_FILE_LOG"),
		LogRetentionDays: envIntOrDefault("LOG_RETENTION_DAYS", 14),

		RecordingsDir: recDir,
		TempDir:       envOrDefault("RECORDINGS_TEMP_DIR", "recordings_temp"),
		LogsDir:       envOrDefault("LOGS_DIR", "logs"),
	}

	if cfg.ServerMicMode != "always" && cfg.ServerMicMode != "ptt" {
		slog.Warn("invalid SERVER_MIC_MODE, using ptt", "got", cfg.ServerMicMode)
		cfg.ServerMicMode = "ptt"
	}

	return cfg, nil
}

// ClientNamesPath is the clientId→displayName store, kept next to the
// recordings so the transcriber can label audio.
func (c *Config) ClientNamesPath() string {
	return filepath.Join(filepath.Dir(c.RecordingsDir), "client_names.json")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return v == "1" || strings.EqualFold(v, "true")
}

func envIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid int env, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return parsed
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return parsed
}
