package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"

	"github.com/reportmail/internal/models"
	"gopkg.in/gomail.v2"
)

// Message is one outgoing report mail.
type Message struct {
	SpecID      string
	Window      models.Window
	To          []string
	Cc          []string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []models.Attachment
}

// Recipients returns every envelope recipient, To first.
func (m Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	return append(out, m.Cc...)
}

// Transport hands a message to the mail system.
type Transport interface {
	Deliver(ctx context.Context, msg Message) error
}

// SMTPConfig describes the outgoing relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// SSL forces implicit TLS (port 465). Otherwise STARTTLS is used when offered.
	SSL                bool
	InsecureSkipVerify bool
}

// SMTPTransport delivers mail with gomail, one connection per message.
type SMTPTransport struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
	logger *slog.Logger
}

// NewSMTPTransport returns a transport for the relay described by cfg.
func NewSMTPTransport(cfg SMTPConfig, logger *slog.Logger) *SMTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.SSL
	if cfg.InsecureSkipVerify {
		logger.Warn("smtp certificate verification is disabled", "host", cfg.Host)
		d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: true}
	}
	return &SMTPTransport{cfg: cfg, dialer: d, logger: logger}
}

// Deliver dials, sends and quits. Errors come back unwrapped from net/smtp so
// Classify can see reply codes; gomail's own Send helper would flatten them.
func (t *SMTPTransport) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := t.compose(msg)

	sc, err := t.dialer.Dial()
	if err != nil {
		return fmt.Errorf("dial %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}

	if err := sc.Send(t.cfg.From, msg.Recipients(), m); err != nil {
		_ = sc.Close()
		return err
	}

	// The server accepted the data; a failed QUIT does not undo that.
	if err := sc.Close(); err != nil {
		t.logger.Warn("smtp quit failed after accepted message", "report", msg.SpecID, "err", err)
	}
	return nil
}

func (t *SMTPTransport) compose(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	if t.cfg.FromName != "" {
		m.SetAddressHeader("From", t.cfg.From, t.cfg.FromName)
	} else {
		m.SetHeader("From", t.cfg.From)
	}
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	m.SetHeader("Subject", msg.Subject)
	if msg.SpecID != "" {
		m.SetHeader("X-Reportmail-Report", msg.SpecID)
		m.SetHeader("X-Reportmail-Window", msg.Window.String())
	}

	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		m.SetBody("text/plain", msg.TextBody)
		m.AddAlternative("text/html", msg.HTMLBody)
	case msg.HTMLBody != "":
		m.SetBody("text/html", msg.HTMLBody)
	default:
		m.SetBody("text/plain", msg.TextBody)
	}

	for _, att := range msg.Attachments {
		data := att.Data
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		if att.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {att.ContentType},
			}))
		}
		m.Attach(att.Filename, settings...)
	}
	return m
}
