package greengrass

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Environment variables set by the nucleus for every component.
const (
	EnvSocketPath = "AWS_GG_NUCLEUS_DOMAIN_SOCKET_FILEPATH_FOR_COMPONENT"
	EnvAuthToken  = "SVCUID"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Config locates the nucleus and bounds calls against it.
type Config struct {
	// SocketPath is the nucleus IPC socket. ENV: AWS_GG_NUCLEUS_DOMAIN_SOCKET_FILEPATH_FOR_COMPONENT
	SocketPath string `env:"AWS_GG_NUCLEUS_DOMAIN_SOCKET_FILEPATH_FOR_COMPONENT" yaml:"socketPath"`
	// AuthToken is the component's service uid. ENV: SVCUID
	AuthToken string `env:"SVCUID" yaml:"authToken"`
	// RequestTimeout bounds each request and the subscription handshake.
	// ENV: GGIPC_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"GGIPC_REQUEST_TIMEOUT" yaml:"requestTimeout"`
	// ConnectTimeout bounds Connect. ENV: GGIPC_CONNECT_TIMEOUT
	ConnectTimeout time.Duration `env:"GGIPC_CONNECT_TIMEOUT" yaml:"connectTimeout"`
	// SocketWait, when set, makes Connect wait this long for the socket file
	// to appear. ENV: GGIPC_SOCKET_WAIT
	SocketWait time.Duration `env:"GGIPC_SOCKET_WAIT" yaml:"socketWait"`
}

// ConfigError reports a required setting that is missing.
type ConfigError struct {
	Var string
}

func (e *ConfigError) Error() string {
	return "greengrass: " + e.Var + " is not set"
}

// ConfigFromEnv reads Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := decodeEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// LoadConfig reads a YAML file and overlays the environment on top of it. An
// empty path is the same as ConfigFromEnv.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("greengrass: read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("greengrass: parse config %s: %w", path, err)
		}
	}
	if err := decodeEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func decodeEnv(cfg *Config) error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("greengrass: decode environment: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return &ConfigError{Var: EnvSocketPath}
	}
	if c.AuthToken == "" {
		return &ConfigError{Var: EnvAuthToken}
	}
	return nil
}
