package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config models workflowmgr.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// Origin is the public URL used in invitation links.
		Origin string `yaml:"origin"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Auth struct {
		Secret     string        `yaml:"secret"`
		SessionTTL time.Duration `yaml:"session_ttl"`
	} `yaml:"auth"`
	Mail MailConfig `yaml:"mail"`
	Log  LogConfig  `yaml:"log"`
}

type MailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
}

// Enabled reports whether a relay is configured.
func (m MailConfig) Enabled() bool {
	return m.Host != ""
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("config.server.origin is required")
	}
	if u, err := url.Parse(c.Server.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.server.origin must be an absolute URL")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("config.auth.secret is required")
	}
	if len(c.Auth.Secret) < 16 {
		return fmt.Errorf("config.auth.secret must be at least 16 characters")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("config.auth.session_ttl must be positive")
	}
	if c.Mail.Enabled() {
		if c.Mail.Port <= 0 || c.Mail.Port > 65535 {
			return fmt.Errorf("config.mail.port must be between 1 and 65535")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("config.mail.from is required when mail.host is set")
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workflowmgr.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(secret string) string {
	return fmt.Sprintf(defaultTemplate, secret)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct. It has no auth secret and does
// not validate until one is set.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, `""`))).Decode(&cfg)
	return &cfg
}

// NewSecret returns a random session signing secret.
func NewSecret() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  origin: http://localhost:3000

database:
  path: .workflowmgr/workflowmgr.db

auth:
  secret: %s
  session_ttl: 24h

# Leave host empty to log invitation links instead of mailing them.
mail:
  host: ""
  port: 587
  username: ""
  password: ""
  from: ""
  from_name: Workflow Manager

log:
  level: info
  development: false
`
