package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/mail"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/reportmail/internal/models"
	"github.com/reportmail/internal/report"
)

const EnvPrefix = "REPORTMAIL"

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Log       LogConfig       `mapstructure:"log"`
	Source    SourceConfig    `mapstructure:"source"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	// Author is shown in every report heading.
	Author  string         `mapstructure:"author"`
	Reports []ReportConfig `mapstructure:"reports"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite database file path
}

type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	FailureCeiling int           `mapstructure:"failure_ceiling"`
}

type SMTPConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	FromName string   `mapstructure:"from_name"`
	Cc       []string `mapstructure:"cc"`
	SSL      bool     `mapstructure:"ssl"`
	// InsecureSkipVerify accepts any server certificate. Only for test relays.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type DeliveryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type AlertConfig struct {
	SlackToken   string   `mapstructure:"slack_token"`
	SlackChannel string   `mapstructure:"slack_channel"`
	Email        []string `mapstructure:"email"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

const (
	SourceDatabase = "database"
	SourceFile     = "file"
)

type SourceConfig struct {
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
}

type ArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

type ReportConfig struct {
	ID           string        `mapstructure:"id"`
	Title        string        `mapstructure:"title"`
	Cadence      string        `mapstructure:"cadence"`
	WindowOffset time.Duration `mapstructure:"window_offset"`
	Recipients   []string      `mapstructure:"recipients"`
	TemplateID   string        `mapstructure:"template_id"`
	Companions   []string      `mapstructure:"companions"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "data/reportmail.db")
	v.SetDefault("scheduler.interval", 5*time.Minute)
	v.SetDefault("scheduler.failure_ceiling", 5)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.from_name", "")
	v.SetDefault("smtp.cc", []string{})
	v.SetDefault("smtp.ssl", false)
	v.SetDefault("smtp.insecure_skip_verify", false)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.initial_backoff", 2*time.Second)
	v.SetDefault("delivery.max_backoff", 30*time.Second)
	v.SetDefault("alert.slack_token", "")
	v.SetDefault("alert.slack_channel", "")
	v.SetDefault("alert.email", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("source.kind", SourceDatabase)
	v.SetDefault("source.path", "")
	v.SetDefault("archive.dir", "")
	v.SetDefault("author", "")
}

// Load reads configuration from path, or from config.yaml in the working
// directory or $HOME/.reportmail when path is empty. A .env file in the working
// directory is loaded into the environment first, and REPORTMAIL_* variables
// override file values (REPORTMAIL_SMTP_PASSWORD for smtp.password).
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.reportmail")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks everything needed to run the pipeline. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Database.Path == "" {
		add("database.path is required")
	}
	if c.Scheduler.Interval <= 0 {
		add("scheduler.interval must be positive")
	}
	if c.Scheduler.FailureCeiling < 1 {
		add("scheduler.failure_ceiling must be at least 1")
	}
	if c.Delivery.MaxAttempts < 1 {
		add("delivery.max_attempts must be at least 1")
	}
	if c.Delivery.InitialBackoff <= 0 || c.Delivery.MaxBackoff < c.Delivery.InitialBackoff {
		add("delivery backoff must satisfy 0 < initial_backoff <= max_backoff")
	}

	if c.SMTP.Host == "" {
		add("smtp.host is required")
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		add("smtp.port %d is out of range", c.SMTP.Port)
	}
	if _, err := mail.ParseAddress(c.SMTP.From); err != nil {
		add("smtp.from %q: %v", c.SMTP.From, err)
	}
	for _, addr := range c.SMTP.Cc {
		if _, err := mail.ParseAddress(addr); err != nil {
			add("smtp.cc %q: %v", addr, err)
		}
	}
	for _, addr := range c.Alert.Email {
		if _, err := mail.ParseAddress(addr); err != nil {
			add("alert.email %q: %v", addr, err)
		}
	}
	if (c.Alert.SlackToken == "") != (c.Alert.SlackChannel == "") {
		add("alert.slack_token and alert.slack_channel must be set together")
	}

	switch c.Source.Kind {
	case SourceDatabase:
	case SourceFile:
		if c.Source.Path == "" {
			add("source.path is required for source kind %q", SourceFile)
		}
	default:
		add("unknown source.kind %q", c.Source.Kind)
	}

	if len(c.Reports) == 0 {
		add("no reports configured")
	}
	seen := make(map[string]bool, len(c.Reports))
	for i, r := range c.Reports {
		name := r.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			add("reports[%d]: id is required", i)
		} else if seen[r.ID] {
			add("report %s: duplicate id", name)
		}
		seen[r.ID] = true

		cadence, err := models.ParseCadence(r.Cadence)
		if err != nil {
			add("report %s: %v", name, err)
		}
		if r.WindowOffset < 0 {
			add("report %s: window_offset must not be negative", name)
		}
		if len(r.Recipients) == 0 {
			add("report %s: at least one recipient is required", name)
		}
		for _, addr := range r.Recipients {
			if _, err := mail.ParseAddress(addr); err != nil {
				add("report %s: recipient %q: %v", name, addr, err)
			}
		}
		if err == nil && !report.KnownTemplate(r.template(cadence)) {
			add("report %s: unknown template %q", name, r.template(cadence))
		}
	}
	for _, r := range c.Reports {
		for _, id := range r.Companions {
			switch {
			case id == r.ID:
				add("report %s: cannot be its own companion", r.ID)
			case !seen[id]:
				add("report %s: unknown companion %q", r.ID, id)
			}
		}
	}

	return errors.Join(errs...)
}

func (r ReportConfig) template(c models.Cadence) string {
	if r.TemplateID != "" {
		return r.TemplateID
	}
	return string(c)
}

// Specs converts the configured reports. The result shares no slices with c.
func (c *Config) Specs() ([]models.ReportSpec, error) {
	specs := make([]models.ReportSpec, 0, len(c.Reports))
	for _, r := range c.Reports {
		cadence, err := models.ParseCadence(r.Cadence)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", r.ID, err)
		}
		specs = append(specs, models.ReportSpec{
			ID:           r.ID,
			Title:        r.Title,
			Cadence:      cadence,
			WindowOffset: r.WindowOffset,
			Recipients:   append([]string(nil), r.Recipients...),
			TemplateID:   r.template(cadence),
			Companions:   append([]string(nil), r.Companions...),
		})
	}
	return specs, nil
}
