package internal

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heysalad/laura-camera-client/pkg/model"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStatusIntervalMs = 30000
	DefaultCommandTimeoutMs = 10000
	DefaultStorageBucket    = "camera-photos"
	DefaultDeviceType       = "esp32-s3-ai"
)

type CameraConfig struct {
	ShortID         string `yaml:"short_id" json:"short_id"`
	Name            string `yaml:"name" json:"name"`
	DurableID       string `yaml:"durable_id" json:"durable_id"` // optional, skips registration lookup when set
	DeviceType      string `yaml:"device_type" json:"device_type"`
	FirmwareVersion string `yaml:"firmware_version" json:"firmware_version"`
}

type EndpointConfig struct {
	APIBaseURL     string `yaml:"api_base_url" json:"api_base_url"` // no trailing slash
	StorageBaseURL string `yaml:"storage_base_url" json:"storage_base_url"`
	StorageBucket  string `yaml:"storage_bucket" json:"storage_bucket"`
	RealtimeURL    string `yaml:"realtime_url" json:"realtime_url"`
}

type CredentialConfig struct {
	Key string `yaml:"key" json:"key"` // secret name, env var name or the key itself
}

type PhotoConfig struct {
	Quality int `yaml:"quality" json:"quality"`
	Width   int `yaml:"width" json:"width"`
	Height  int `yaml:"height" json:"height"`
}

// ChannelTuning holds the command channel retry policy.
type ChannelTuning struct {
	MaxSubscribeAttempts int     `yaml:"max_subscribe_attempts" json:"max_subscribe_attempts"`
	DedupWindow          int     `yaml:"dedup_window" json:"dedup_window"`
	ResubscribeMaxMs     int     `yaml:"resubscribe_max_ms" json:"resubscribe_max_ms"` // 0 means 4 x status interval
	Jitter               float64 `yaml:"jitter" json:"jitter"`
	KeepaliveMs          int     `yaml:"keepalive_ms" json:"keepalive_ms"` // 0 means 30 s
}

type DriverConfig struct {
	Model    string `yaml:"model" json:"model"`
	Address  string `yaml:"address" json:"address"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type StaticConfig struct {
	Camera      CameraConfig     `yaml:"camera" json:"camera"`
	Endpoints   EndpointConfig   `yaml:"endpoints" json:"endpoints"`
	Credentials CredentialConfig `yaml:"credentials" json:"credentials"`
	Photo       PhotoConfig      `yaml:"photo" json:"photo"`
	Channel     ChannelTuning    `yaml:"channel" json:"channel"`
	Driver      DriverConfig     `yaml:"driver" json:"driver"`

	StatusIntervalMs int `yaml:"status_interval_ms" json:"status_interval_ms"`
	CommandTimeoutMs int `yaml:"command_timeout_ms" json:"command_timeout_ms"`

	Secrets  map[string]string `yaml:"secrets" json:"secrets"` // AES-GCM encrypted, see SecretManager
	LogLevel string            `yaml:"log_level" json:"log_level"`
	LogDir   string            `yaml:"log_dir" json:"log_dir"`
}

// envOverrides are read from LAURA_* variables and win over the file.
type envOverrides struct {
	ShortID        string `envconfig:"CAMERA_ID"`
	DurableID      string `envconfig:"CAMERA_UUID"`
	APIBaseURL     string `envconfig:"API_BASE_URL"`
	StorageBaseURL string `envconfig:"STORAGE_URL"`
	RealtimeURL    string `envconfig:"REALTIME_URL"`
	Key            string `envconfig:"KEY"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
}

func DefaultConfig() StaticConfig {
	return StaticConfig{
		Camera:    CameraConfig{DeviceType: DefaultDeviceType, FirmwareVersion: "1.0.0"},
		Endpoints: EndpointConfig{StorageBucket: DefaultStorageBucket},
		Photo:     PhotoConfig{Quality: 85, Width: 1280, Height: 720},
		Channel: ChannelTuning{
			MaxSubscribeAttempts: 3,
			DedupWindow:          64,
			Jitter:               0.2,
		},
		StatusIntervalMs: DefaultStatusIntervalMs,
		CommandTimeoutMs: DefaultCommandTimeoutMs,
		LogLevel:         "info",
	}
}

// LoadConfig reads a JSON or YAML (by extension) config file on top of the
// defaults and applies environment overrides.
func LoadConfig(path string) (StaticConfig, error) {
	config := DefaultConfig()
	body, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(body, &config)
	default:
		err = json.Unmarshal(body, &config)
	}
	if err != nil {
		return config, fmt.Errorf("incorrect config file format: %w", err)
	}
	if err := ApplyEnvOverrides(&config); err != nil {
		return config, err
	}
	return config, nil
}

func ApplyEnvOverrides(config *StaticConfig) error {
	var env envOverrides
	if err := envconfig.Process("laura", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&config.Camera.ShortID, env.ShortID)
	override(&config.Camera.DurableID, env.DurableID)
	override(&config.Endpoints.APIBaseURL, env.APIBaseURL)
	override(&config.Endpoints.StorageBaseURL, env.StorageBaseURL)
	override(&config.Endpoints.RealtimeURL, env.RealtimeURL)
	override(&config.Credentials.Key, env.Key)
	override(&config.LogLevel, env.LogLevel)
	return nil
}

func (c StaticConfig) StatusInterval() time.Duration {
	return msOrDefault(c.StatusIntervalMs, DefaultStatusIntervalMs)
}

func (c StaticConfig) CommandTimeout() time.Duration {
	return msOrDefault(c.CommandTimeoutMs, DefaultCommandTimeoutMs)
}

func msOrDefault(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate checks the options the client cannot start without.
func (c StaticConfig) Validate(key string) error {
	return CheckRequired(c.Camera.ShortID, c.Endpoints, key)
}

// CheckRequired returns a *model.ConfigError naming every missing or malformed
// required option, or nil.
func CheckRequired(shortID string, endpoints EndpointConfig, key string) error {
	var bad []string
	if strings.TrimSpace(shortID) == "" {
		bad = append(bad, "camera short id")
	}
	if !validBaseURL(endpoints.APIBaseURL, "http", "https") {
		bad = append(bad, "api base url")
	} else if strings.HasSuffix(endpoints.APIBaseURL, "/") {
		bad = append(bad, "api base url (trailing slash)")
	}
	if !validBaseURL(endpoints.StorageBaseURL, "http", "https") {
		bad = append(bad, "storage base url")
	}
	if strings.TrimSpace(endpoints.StorageBucket) == "" {
		bad = append(bad, "storage bucket")
	}
	if !validBaseURL(endpoints.RealtimeURL, "ws", "wss") {
		bad = append(bad, "realtime url")
	}
	if strings.TrimSpace(key) == "" {
		bad = append(bad, "credential key")
	}
	if len(bad) > 0 {
		return &model.ConfigError{Fields: bad}
	}
	return nil
}

func validBaseURL(raw string, schemes ...string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

// SaveConfig writes config as YAML or JSON, chosen by the file extension.
func SaveConfig(path string, config StaticConfig) error {
	var body []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		body, err = yaml.Marshal(&config)
	default:
		body, err = json.MarshalIndent(&config, " ", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0600)
}
