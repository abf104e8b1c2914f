// Package config holds the viewer configuration: backend address, cache
// location and the circuit registry, loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Circuit types, used as the first route segment in their plural form
const (
	TypeCircuit    = "circuit"
	TypeSimulation = "simulation"
)

// Environment variables that override the file
const (
	EnvServerHost = "NGV_SERVER_HOST"
	EnvServerPort = "NGV_SERVER_PORT"
	EnvBaseURL    = "NGV_BASE_URL"
)

// Config is the top level configuration
type Config struct {
	Server         Server          `yaml:"server"`
	BaseURL        string          `yaml:"base_url,omitempty" validate:"omitempty,url"`
	AppVersion     string          `yaml:"app_version" validate:"required"`
	Cache          Cache           `yaml:"cache"`
	ReconnectDelay time.Duration   `yaml:"reconnect_delay" validate:"gte=0"`
	SingleCircuit  string          `yaml:"single_circuit,omitempty"`
	Circuits       []CircuitConfig `yaml:"circuits" validate:"dive"`
}

// Server locates the backend when BaseURL is empty
type Server struct {
	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port" validate:"gte=0,lte=65535"`
	Secure bool   `yaml:"secure,omitempty"`
}

// Cache configures the persistent store
type Cache struct {
	Path     string `yaml:"path,omitempty" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory,omitempty"`
}

// CircuitConfig is one circuit registry entry, or a custom configuration
// built from query parameters. It is sent to the backend as message context,
// hence the JSON tags.
type CircuitConfig struct {
	Name              string   `yaml:"name" json:"name" validate:"required"`
	URLName           string   `yaml:"url_name,omitempty" json:"urlName,omitempty"`
	Type              string   `yaml:"type,omitempty" json:"type,omitempty" validate:"omitempty,oneof=circuit simulation"`
	Path              string   `yaml:"path" json:"path" validate:"required"`
	VasculatureGLBURL string   `yaml:"vasculature_glb_url,omitempty" json:"vasculatureGlbUrl,omitempty" validate:"omitempty,url"`
	SimModel          string   `yaml:"sim_model,omitempty" json:"simModel,omitempty"`
	Description       string   `yaml:"description,omitempty" json:"description,omitempty"`
	Examples          []string `yaml:"examples,omitempty" json:"examples,omitempty"`
	Custom            bool     `yaml:"-" json:"custom,omitempty"`
}

// Context returns the message context announcing this circuit to the backend
func (c CircuitConfig) Context() map[string]any {
	return map[string]any{"circuitConfig": c}
}

var validate = validator.New()

// Defaults returns the development configuration: a local backend and the
// published NGV circuit
func Defaults() Config {
	return Config{
		Server: Server{
			Host: "localhost",
			Port: 8888,
		},
		AppVersion:     "dev",
		Cache:          Cache{InMemory: true},
		ReconnectDelay: 2 * time.Second,
		Circuits: []CircuitConfig{
			{
				Name:              "ngv-20201006",
				URLName:           "ngv-20201006",
				Type:              TypeCircuit,
				Path:              "/circuits/ngv/ngv_config.json",
				VasculatureGLBURL: "https://bbp.epfl.ch/public/ngv-viewer-data/simplified.glb",
				SimModel:          "???",
			},
		},
	}
}

// Validate checks field constraints and registry consistency
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.BaseURL == "" && c.Server.Host == "" {
		return errors.New("invalid config: either base_url or server.host is required")
	}
	if c.SingleCircuit != "" {
		if _, ok := c.Circuit(c.SingleCircuit); !ok {
			return fmt.Errorf("invalid config: single_circuit %q is not in the registry", c.SingleCircuit)
		}
	}
	return nil
}

// Circuit finds a registry entry by name
func (c *Config) Circuit(name string) (CircuitConfig, bool) {
	for _, circuit := range c.Circuits {
		if circuit.Name == name {
			return circuit, true
		}
	}
	return CircuitConfig{}, false
}

// Load reads path on top of Defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv(EnvServerHost); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv(EnvServerPort); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvServerPort, err)
		}
		cfg.Server.Port = n
	}
	if baseURL := os.Getenv(EnvBaseURL); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
