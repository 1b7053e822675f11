package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Bind is the webnis-bind daemon configuration tree.
type Bind struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Domain is the webnis domain all requests are issued against.
	Domain string `mapstructure:"domain"`

	// Socket is the unix domain socket the daemon listens on.
	Socket string `mapstructure:"socket"`

	// Servers lists the HTTPS backends, in preference order. A bare
	// "server" key is accepted as shorthand for a single entry.
	Server  string   `mapstructure:"server"`
	Servers []string `mapstructure:"servers"`

	// Authorization material sent with every upstream request.
	HTTPAuthSchema   string `mapstructure:"http_authschema"`
	HTTPAuthToken    string `mapstructure:"http_authtoken"`
	HTTPAuthEncoding string `mapstructure:"http_authencoding" validate:"omitempty,oneof=base64"`

	// HTTP2Only multiplexes all requests per backend over one HTTP/2
	// connection instead of pooling HTTP/1.1 connections.
	HTTP2Only bool `mapstructure:"http2_only"`

	// Concurrency bounds in-flight upstream requests per backend.
	Concurrency int `mapstructure:"concurrency" validate:"omitempty,min=1"`

	// RestrictGetpwuid limits GETPWUID for non-root peers to their own uid.
	RestrictGetpwuid bool `mapstructure:"restrict_getpwuid"`
	// RestrictGetgrgid limits GETGRGID for non-root peers to system gids
	// (below 1000) and their own gid.
	RestrictGetgrgid bool `mapstructure:"restrict_getgrgid"`
}

// DefaultBindSocket is where webnis-bind listens unless configured otherwise.
const DefaultBindSocket = "/var/run/webnis-bind.sock"

// LoadBind reads and validates a webnis-bind configuration file.
func LoadBind(path string) (*Bind, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Bind
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config %s: %w", path, err)
	}

	if cfg.Server != "" {
		cfg.Servers = append(cfg.Servers, cfg.Server)
		cfg.Server = ""
	}
	applyBindDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("%s: no servers defined", path)
	}
	for _, s := range cfg.Servers {
		if strings.ContainsAny(s, " \t") {
			return nil, fmt.Errorf("%s: bad server %q", path, s)
		}
	}
	return &cfg, nil
}

func applyBindDefaults(cfg *Bind) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Domain == "" {
		cfg.Domain = "default"
	}
	if cfg.Socket == "" {
		cfg.Socket = DefaultBindSocket
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 32
	}
	if cfg.HTTPAuthSchema == "" {
		cfg.HTTPAuthSchema = "X-Api-Key"
	}
}
