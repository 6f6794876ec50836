package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendPostgREST = "postgrest"
	BackendSQLite    = "sqlite"
	BackendSQLite3   = "sqlite3"
	BackendPostgres  = "postgres"
	BackendFile      = "file"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Mail    MailConfig    `mapstructure:"mail"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Display DisplayConfig `mapstructure:"display"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
	Key     string `mapstructure:"key"`
	DSN     string `mapstructure:"dsn"`
	Path    string `mapstructure:"path"`
}

type MailConfig struct {
	Address       string `mapstructure:"address"`
	Password      string `mapstructure:"password"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	HTML          bool   `mapstructure:"html"`
	ImplicitTLS   bool   `mapstructure:"implicit_tls"`
}

type WorkerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Cron     string        `mapstructure:"cron"`
}

type DisplayConfig struct {
	Offset string `mapstructure:"offset"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Error reports required configuration that is absent. It is fatal at startup.
type Error struct {
	Missing []string
}

func (e *Error) Error() string {
	return "missing required configuration: " + strings.Join(e.Missing, ", ")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("store.backend", BackendPostgREST)
	v.SetDefault("store.url", "")
	v.SetDefault("store.key", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "data/capsules.json")
	v.SetDefault("mail.address", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.host", "smtp.gmail.com")
	v.SetDefault("mail.port", 465)
	v.SetDefault("mail.subject_prefix", "ChronoCapsule: ")
	v.SetDefault("mail.html", false)
	v.SetDefault("mail.implicit_tls", true)
	v.SetDefault("worker.interval", "60s")
	v.SetDefault("worker.cron", "")
	v.SetDefault("display.offset", "+05:30")
	v.SetDefault("log.level", "info")
}

// LoadConfig reads the YAML file at path, if it exists, and overlays the
// environment. CAPSULE_* variables map onto every key; the deployment names
// SUPABASE_URL, SUPABASE_KEY, EMAIL_ADDRESS and EMAIL_PASSWORD are honoured too.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CAPSULE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string][]string{
		"store.url":     {"CAPSULE_STORE_URL", "SUPABASE_URL"},
		"store.key":     {"CAPSULE_STORE_KEY", "SUPABASE_KEY"},
		"mail.address":  {"CAPSULE_MAIL_ADDRESS", "EMAIL_ADDRESS"},
		"mail.password": {"CAPSULE_MAIL_PASSWORD", "EMAIL_PASSWORD"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))

	if _, err := ParseOffset(cfg.Display.Offset); err != nil {
		return nil, err
	}
	if cfg.Worker.Interval <= 0 && cfg.Worker.Cron == "" {
		return nil, fmt.Errorf("worker.interval must be positive, got %s", cfg.Worker.Interval)
	}

	return &cfg, nil
}

// ValidateStore checks the settings needed to reach the record store.
func (c *Config) ValidateStore() error {
	var missing []string
	switch c.Store.Backend {
	case BackendPostgREST:
		if c.Store.URL == "" {
			missing = append(missing, "store.url (SUPABASE_URL)")
		}
		if c.Store.Key == "" {
			missing = append(missing, "store.key (SUPABASE_KEY)")
		}
	case BackendSQLite, BackendSQLite3, BackendPostgres:
		if c.Store.DSN == "" {
			missing = append(missing, "store.dsn")
		}
	case BackendFile:
		if c.Store.Path == "" {
			missing = append(missing, "store.path")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if len(missing) > 0 {
		return &Error{Missing: missing}
	}
	return nil
}

// ValidateDelivery checks everything the delivery scheduler needs: the store
// plus mail relay credentials.
func (c *Config) ValidateDelivery() error {
	var missing []string
	if err := c.ValidateStore(); err != nil {
		var cfgErr *Error
		if !errors.As(err, &cfgErr) {
			return err
		}
		missing = append(missing, cfgErr.Missing...)
	}
	if c.Mail.Address == "" {
		missing = append(missing, "mail.address (EMAIL_ADDRESS)")
	}
	if c.Mail.Password == "" {
		missing = append(missing, "mail.password (EMAIL_PASSWORD)")
	}
	if c.Mail.Host == "" {
		missing = append(missing, "mail.host")
	}
	if len(missing) > 0 {
		return &Error{Missing: missing}
	}
	return nil
}

// DisplayLocation is the fixed zone used when rendering instants to people.
func (c *Config) DisplayLocation() *time.Location {
	loc, err := ParseOffset(c.Display.Offset)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseOffset turns "+05:30", "-0800" or "Z" into a fixed zone.
func ParseOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "Z" || strings.EqualFold(s, "UTC") {
		return time.UTC, nil
	}
	for _, layout := range []string{"-07:00", "-0700", "-07"} {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		_, offset := t.Zone()
		return time.FixedZone(s, offset), nil
	}
	return nil, fmt.Errorf("invalid display offset %q", s)
}
