package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/reportmail/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTransport struct {
	errs  []error
	calls int
	last  Message
}

func (s *scriptedTransport) Deliver(_ context.Context, msg Message) error {
	s.calls++
	s.last = msg
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func testArtifact() models.Artifact {
	w := models.Window{
		Start: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
	}
	return models.Artifact{
		SpecID:     "team-daily",
		Window:     w,
		Recipients: []string{"lead@example.org"},
		Subject:    "Team Daily Report (" + w.String() + ")",
		HTMLBody:   "<p>hello</p>",
		TextBody:   "hello",
		Attachments: []models.Attachment{
			{Filename: "daily-team-daily-20240305.csv", ContentType: "text/csv", Data: []byte("a,b\n")},
		},
	}
}

func fastDispatcher(t Transport, opts ...DispatcherOption) *Dispatcher {
	opts = append([]DispatcherOption{WithBackoff(time.Millisecond, 2*time.Millisecond)}, opts...)
	return NewDispatcher(t, opts...)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"MailboxUnavailable", &textproto.Error{Code: 550, Msg: "mailbox unavailable"}, true},
		{"AuthFailed", &textproto.Error{Code: 535, Msg: "authentication failed"}, true},
		{"Greylisted", &textproto.Error{Code: 451, Msg: "try again later"}, false},
		{"WrappedReply", errors.Join(errors.New("rcpt"), &textproto.Error{Code: 553, Msg: "rejected"}), true},
		{"Timeout", timeoutErr{}, false},
		{"Refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, false},
		{"EOF", io.EOF, false},
		{"Deadline", context.DeadlineExceeded, false},
		{"Cleartext", errors.New("unencrypted connection"), true},
		{"Unknown", errors.New("something odd"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(tc.err)
			var te *TransportError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tc.fatal, te.Fatal)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	assert.NoError(t, Classify(nil))
}

func TestDispatcherDelivers(t *testing.T) {
	tr := &scriptedTransport{}
	out := fastDispatcher(tr, WithCc([]string{"boss@example.org"})).Send(context.Background(), testArtifact())

	assert.Equal(t, models.Delivered(), out)
	assert.Equal(t, 1, tr.calls)
	assert.Equal(t, []string{"lead@example.org"}, tr.last.To)
	assert.Equal(t, []string{"lead@example.org", "boss@example.org"}, tr.last.Recipients())
}

func TestDispatcherRetriesTransientErrors(t *testing.T) {
	tr := &scriptedTransport{errs: []error{timeoutErr{}, io.EOF}}
	out := fastDispatcher(tr).Send(context.Background(), testArtifact())

	assert.True(t, out.Succeeded())
	assert.Equal(t, 3, tr.calls)
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	tr := &scriptedTransport{errs: []error{timeoutErr{}, timeoutErr{}, timeoutErr{}, timeoutErr{}}}
	out := fastDispatcher(tr, WithMaxAttempts(3)).Send(context.Background(), testArtifact())

	assert.Equal(t, models.OutcomeRetryable, out.Kind)
	assert.Contains(t, out.Reason, "i/o timeout")
	assert.Equal(t, 3, tr.calls)
}

func TestDispatcherStopsOnFatal(t *testing.T) {
	tr := &scriptedTransport{errs: []error{&textproto.Error{Code: 550, Msg: "no such user"}}}
	out := fastDispatcher(tr).Send(context.Background(), testArtifact())

	assert.Equal(t, models.OutcomeFatal, out.Kind)
	assert.Contains(t, out.Reason, "no such user")
	assert.Equal(t, 1, tr.calls)
}

func TestDispatcherNoRecipients(t *testing.T) {
	tr := &scriptedTransport{}
	art := testArtifact()
	art.Recipients = nil

	out := fastDispatcher(tr).Send(context.Background(), art)
	assert.Equal(t, models.OutcomeFatal, out.Kind)
	assert.Zero(t, tr.calls)
}

func TestDispatcherCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &scriptedTransport{errs: []error{context.Canceled}}
	out := NewDispatcher(tr, WithBackoff(time.Hour, time.Hour)).Send(ctx, testArtifact())
	assert.Equal(t, models.OutcomeRetryable, out.Kind)
	assert.True(t, out.Interrupted)
}

func TestDispatcherShutdownDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &cancellingTransport{cancel: cancel}
	out := NewDispatcher(tr, WithBackoff(time.Hour, time.Hour)).Send(ctx, testArtifact())

	assert.Equal(t, 1, tr.calls)
	assert.Equal(t, models.OutcomeRetryable, out.Kind)
	assert.True(t, out.Interrupted)
	assert.Contains(t, out.Reason, context.Canceled.Error())
}

func TestDispatcherTransientFailureIsNotInterrupted(t *testing.T) {
	tr := &scriptedTransport{errs: []error{timeoutErr{}}}
	out := fastDispatcher(tr, WithMaxAttempts(1)).Send(context.Background(), testArtifact())

	assert.Equal(t, models.OutcomeRetryable, out.Kind)
	assert.False(t, out.Interrupted)
}

// cancellingTransport fails with a transient error and cancels the send, so
// the dispatcher is left waiting out its backoff when shutdown begins.
type cancellingTransport struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingTransport) Deliver(context.Context, Message) error {
	c.calls++
	c.cancel()
	return timeoutErr{}
}

func TestSMTPCompose(t *testing.T) {
	tr := NewSMTPTransport(SMTPConfig{
		Host:     "smtp.example.org",
		Port:     587,
		From:     "reports@example.org",
		FromName: "Report Bot",
	}, nil)

	art := testArtifact()
	attachments := append(art.Attachments, models.Attachment{
		Filename: "daily-team-daily-20240303.csv", ContentType: "text/csv", Data: []byte("c,d\n"),
	})
	m := tr.compose(Message{
		SpecID:      art.SpecID,
		Window:      art.Window,
		To:          art.Recipients,
		Cc:          []string{"boss@example.org"},
		Subject:     art.Subject,
		HTMLBody:    art.HTMLBody,
		TextBody:    art.TextBody,
		Attachments: attachments,
	})

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()

	for _, want := range []string{
		"From: \"Report Bot\" <reports@example.org>",
		"To: lead@example.org",
		"Cc: boss@example.org",
		"X-Reportmail-Report: team-daily",
		"multipart/alternative",
		"daily-team-daily-20240305.csv",
		"daily-team-daily-20240303.csv",
		"text/csv",
	} {
		assert.True(t, strings.Contains(raw, want), "missing %q in:\n%s", want, raw)
	}
}

func TestSMTPDeliverHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: 1}, nil)
	err := tr.Deliver(ctx, Message{To: []string{"a@example.org"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSMTPTransportTLS(t *testing.T) {
	strict := NewSMTPTransport(SMTPConfig{Host: "smtp.example.org", Port: 587}, nil)
	assert.Nil(t, strict.dialer.TLSConfig)

	relaxed := NewSMTPTransport(SMTPConfig{Host: "smtp.example.org", Port: 465, SSL: true, InsecureSkipVerify: true}, nil)
	require.NotNil(t, relaxed.dialer.TLSConfig)
	assert.True(t, relaxed.dialer.TLSConfig.InsecureSkipVerify)
	assert.Equal(t, "smtp.example.org", relaxed.dialer.TLSConfig.ServerName)
	assert.True(t, relaxed.dialer.SSL)
}
