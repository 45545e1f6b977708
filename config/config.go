// Package config - YAML configuration of the behavior server.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-behavior/capture"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/journal"
	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/models"
	"github.com/nvr-ai/go-behavior/profiler"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Log       logger.Options            `yaml:"log"`
	Runtime   RuntimeConfig             `yaml:"runtime"`
	Profiler  profiler.ProfilingOptions `yaml:"profiler"`
	Alerts    AlertsConfig              `yaml:"alerts"`
	Detectors []DetectorConfig          `yaml:"detectors" validate:"required,min=1,dive"`
	Clips     *ClipsConfig              `yaml:"clips"`
}

// ServerConfig contains HTTP settings.
type ServerConfig struct {
	Addr        string   `yaml:"addr" validate:"required"`
	CORSOrigins []string `yaml:"cors_origins"`
	// ShutdownTimeout bounds the HTTP drain on exit (default: 5s).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	// FeedBacklog is the most encoded frames kept for a slow viewer; 0 keeps
	// all of them.
	FeedBacklog int `yaml:"feed_backlog" validate:"gte=0"`
}

// RuntimeConfig contains ONNX Runtime settings shared by every detector.
type RuntimeConfig struct {
	// LibraryPath overrides ONNXRUNTIME_SHARED_LIBRARY_PATH.
	LibraryPath    string `yaml:"library_path"`
	IntraOpThreads int    `yaml:"intra_op_threads" validate:"gte=0"`
	InterOpThreads int    `yaml:"inter_op_threads" validate:"gte=0"`
}

// AlertsConfig contains alert fan-out settings.
type AlertsConfig struct {
	// Buffer is the per-listener channel size (default: 16).
	Buffer   int            `yaml:"buffer" validate:"gte=0"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	// Postgres enables the alert journal when its DSN is set.
	Postgres journal.Config `yaml:"postgres"`
}

// MQTTConfig enables the MQTT sink when Broker is set.
type MQTTConfig struct {
	// Broker is host:port.
	Broker   string        `yaml:"broker" validate:"omitempty,hostname_port"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	QoS      byte          `yaml:"qos" validate:"lte=2"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// DetectorConfig is one live stream and the model watching it.
type DetectorConfig struct {
	Name      string            `yaml:"name" validate:"required,max=64,excludesall=/?#%"`
	Model     string            `yaml:"model" validate:"required"`
	ModelPath string            `yaml:"model_path" validate:"required"`
	Source    capture.Config    `yaml:"source"`
	Provider  string            `yaml:"provider" validate:"omitempty,oneof=cpu cuda coreml openvino"`
	StatusKey string            `yaml:"status_key" validate:"omitempty,max=64,excludesall=/?#%"`
	Overrides *models.Overrides `yaml:"overrides"`
	// MaxConsecutiveFailures stops the detector after that many oracle
	// failures in a row (default: 30).
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" validate:"gte=0"`
}

// ClipsConfig enables stored clip classification.
type ClipsConfig struct {
	Directory string `yaml:"directory" validate:"required"`
	Model     string `yaml:"model" validate:"required"`
	ModelPath string `yaml:"model_path" validate:"required"`
	Provider  string `yaml:"provider" validate:"omitempty,oneof=cpu cuda coreml openvino"`
	// Name labels alert events raised by clip runs (default: "clips").
	Name      string            `yaml:"name"`
	Overrides *models.Overrides `yaml:"overrides"`
}

// Spec resolves the detector's model preset.
func (d DetectorConfig) Spec() (models.Spec, error) {
	spec, err := models.Resolve(d.Model, d.Overrides)
	if err != nil {
		return models.Spec{}, errors.Wrapf(err, "detector %s", d.Name)
	}
	if d.StatusKey != "" {
		spec.StatusKey = d.StatusKey
	}
	return spec, nil
}

// Backend returns the execution provider.
func (d DetectorConfig) Backend() inference.Backend {
	b, _ := inference.ParseBackend(d.Provider)
	return b
}

// Spec resolves the clip model preset.
func (c ClipsConfig) Spec() (models.Spec, error) {
	spec, err := models.Resolve(c.Model, c.Overrides)
	if err != nil {
		return models.Spec{}, errors.Wrap(err, "clips")
	}
	return spec, nil
}

// Backend returns the execution provider.
func (c ClipsConfig) Backend() inference.Backend {
	b, _ := inference.ParseBackend(c.Provider)
	return b
}

// Load reads, parses and validates a YAML configuration file.
//
// Arguments:
//   - path: The file path.
//
// Returns:
//   - *Config: The configuration with defaults applied.
//   - error: An error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":5000"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Service == "" {
		c.Log.Service = "behavior"
	}
	if c.Alerts.Buffer == 0 {
		c.Alerts.Buffer = 16
	}
	if c.Alerts.MQTT.Topic == "" {
		c.Alerts.MQTT.Topic = "behavior/alerts"
	}
	if c.Alerts.MQTT.ClientID == "" {
		c.Alerts.MQTT.ClientID = "go-behavior"
	}
	if c.Alerts.MQTT.Timeout == 0 {
		c.Alerts.MQTT.Timeout = 5 * time.Second
	}
	if c.Clips != nil && c.Clips.Name == "" {
		c.Clips.Name = "clips"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules: unique detector
// names and status keys, exactly one source per detector, and resolvable
// model presets.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Detectors))
	keys := make(map[string]string, len(c.Detectors))
	for i, d := range c.Detectors {
		if names[d.Name] {
			return errors.Errorf("detectors[%d]: duplicate name %q", i, d.Name)
		}
		names[d.Name] = true

		if err := d.Source.Validate(); err != nil {
			return errors.Wrapf(err, "detector %s source", d.Name)
		}
		spec, err := d.Spec()
		if err != nil {
			return err
		}
		if spec.StatusKey == "" {
			continue
		}
		if other, ok := keys[spec.StatusKey]; ok {
			return errors.Errorf("detector %s: status key %q already used by %s", d.Name, spec.StatusKey, other)
		}
		keys[spec.StatusKey] = d.Name
	}

	if c.Clips != nil {
		if _, err := c.Clips.Spec(); err != nil {
			return err
		}
	}
	return nil
}
