package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reportmail/internal/models"
	"gopkg.in/gomail.v2"
)

type mailDialer interface {
	Dial() (gomail.SendCloser, error)
}

// MailNotifier sends alerts as plain text mail through the report SMTP server.
type MailNotifier struct {
	dialer mailDialer
	from   string
	to     []string
}

// NewMailNotifier mails alerts from from to every address in to through dialer.
func NewMailNotifier(dialer *gomail.Dialer, from string, to []string) *MailNotifier {
	return &MailNotifier{dialer: dialer, from: from, to: append([]string(nil), to...)}
}

func (n *MailNotifier) Notify(ctx context.Context, a models.Alert) error {
	if len(n.to) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", n.to...)
	m.SetHeader("Subject", fmt.Sprintf("[reportmail %s] %s", a.Level, a.Title()))
	m.SetBody("text/plain", alertBody(a))

	sc, err := n.dialer.Dial()
	if err != nil {
		return fmt.Errorf("failed to send email alert: %w", err)
	}
	defer sc.Close()

	if err := gomail.Send(sc, m); err != nil {
		return fmt.Errorf("failed to send email alert: %w", err)
	}
	return nil
}

func alertBody(a models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report: %s\n", a.SpecID)
	fmt.Fprintf(&b, "Kind: %s\n", a.Kind)
	fmt.Fprintf(&b, "Level: %s\n", a.Level)
	fmt.Fprintf(&b, "Window: %s\n", a.Window)
	fmt.Fprintf(&b, "Consecutive failures: %d\n", a.ConsecutiveFailures)
	fmt.Fprintf(&b, "Tick: %s\n", a.TickID)
	fmt.Fprintf(&b, "Time: %s\n", a.At.UTC().Format(time.RFC3339))
	if a.Reason != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Reason)
	}
	if a.Kind == models.AlertSuspended {
		fmt.Fprintf(&b, "\nThe report is skipped until someone runs: reportmail resume %s\n", a.SpecID)
	}
	return b.String()
}
