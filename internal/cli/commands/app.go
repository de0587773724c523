package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"github.com/reportmail/internal/alert"
	"github.com/reportmail/internal/config"
	"github.com/reportmail/internal/database"
	"github.com/reportmail/internal/delivery"
	"github.com/reportmail/internal/logger"
	"github.com/reportmail/internal/orchestrator"
	"github.com/reportmail/internal/report"
	"github.com/reportmail/internal/schedule"
	"github.com/reportmail/internal/source"
	"github.com/reportmail/internal/store"
)

// Options holds the flags shared by every command.
type Options struct {
	ConfigPath string
	// Stderr receives log output; nil means os.Stderr.
	Stderr io.Writer
}

// App is the wiring behind a command: config, logger, database and stores.
// The pipeline is only built by commands that deliver reports.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *gorm.DB
	Marks    *store.WatermarkStore
	Entries  *store.EntryStore
	History  *store.HistoryStore
	closeLog func() error
}

// Open loads configuration, sets up logging and opens the database.
func Open(opts *Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	l, closeLog, err := logger.New(cfg.Log, opts.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   l,
		DB:       db,
		Marks:    store.NewWatermarkStore(db),
		Entries:  store.NewEntryStore(db),
		History:  store.NewHistoryStore(db),
		closeLog: closeLog,
	}, nil
}

// Close releases the database and log file.
func (a *App) Close() error {
	return errors.Join(database.Close(a.DB), a.closeLog())
}

// Engine builds the schedule engine for the configured reports and loads the
// stored watermarks.
func (a *App) Engine(ctx context.Context) (*schedule.Engine, error) {
	specs, err := a.Config.Specs()
	if err != nil {
		return nil, err
	}
	e, err := schedule.New(specs, a.Marks,
		schedule.WithCeiling(a.Config.Scheduler.FailureCeiling),
		schedule.WithLogger(a.Logger),
	)
	if err != nil {
		return nil, err
	}
	if err := e.Load(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Pipeline validates the full configuration and wires the orchestrator.
func (a *App) Pipeline(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := a.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	engine, err := a.Engine(ctx)
	if err != nil {
		return nil, err
	}

	var src source.Source
	switch cfg.Source.Kind {
	case config.SourceFile:
		src = source.NewFileSource(cfg.Source.Path)
	default:
		src = source.NewEntrySource(a.Entries)
	}

	transport := delivery.NewSMTPTransport(smtpConfig(cfg.SMTP), a.Logger)
	dispatcher := delivery.NewDispatcher(transport,
		delivery.WithMaxAttempts(cfg.Delivery.MaxAttempts),
		delivery.WithBackoff(cfg.Delivery.InitialBackoff, cfg.Delivery.MaxBackoff),
		delivery.WithCc(cfg.SMTP.Cc),
		delivery.WithDispatcherLogger(a.Logger),
	)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.Logger),
		orchestrator.WithHistory(a.History),
		orchestrator.WithAlerts(a.alerts()),
		orchestrator.WithLease(store.NewLeaseStore(a.DB), orchestrator.DefaultLeaseTTL),
	}
	if cfg.Archive.Dir != "" {
		opts = append(opts, orchestrator.WithArchive(orchestrator.NewArchiver(cfg.Archive.Dir)))
	}

	return orchestrator.New(engine, src, report.NewRenderer(cfg.Author), dispatcher, opts...), nil
}

func (a *App) alerts() *alert.Manager {
	cfg := a.Config
	notifiers := []alert.Notifier{alert.NewLogNotifier(a.Logger)}
	if cfg.Alert.SlackToken != "" {
		notifiers = append(notifiers, alert.NewSlackNotifier(cfg.Alert.SlackToken, cfg.Alert.SlackChannel))
	}
	if len(cfg.Alert.Email) > 0 {
		d := gomail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
		d.SSL = cfg.SMTP.SSL
		notifiers = append(notifiers, alert.NewMailNotifier(d, cfg.SMTP.From, cfg.Alert.Email))
	}
	return alert.NewManager(a.Logger, notifiers...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func smtpConfig(c config.SMTPConfig) delivery.SMTPConfig {
	return delivery.SMTPConfig{
		Host:               c.Host,
		Port:               c.Port,
		Username:           c.Username,
		Password:           c.Password,
		From:               c.From,
		FromName:           c.FromName,
		SSL:                c.SSL,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}
