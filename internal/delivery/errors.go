package delivery

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
)

// TransportError is a classified transport failure. Fatal errors (rejected
// recipients, failed authentication, bad TLS setup) are not retried.
type TransportError struct {
	Fatal bool
	Code  int
	Err   error
}

func (e *TransportError) Error() string {
	kind := "retryable"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("transport error (%s): %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a fatal TransportError.
func IsFatal(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Fatal
}

// Classify maps a raw SMTP or network error to a TransportError. SMTP 5xx
// replies are permanent; 4xx replies, dial and I/O errors are transient.
// Anything unrecognised is treated as transient and left to the retry layers.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	var proto *textproto.Error
	if errors.As(err, &proto) {
		return &TransportError{Fatal: proto.Code >= 500, Code: proto.Code, Err: err}
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		certErr          *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) || errors.As(err, &certErr) {
		return &TransportError{Fatal: true, Err: err}
	}

	// net/smtp refuses PLAIN auth over cleartext with a bare error value.
	if strings.Contains(err.Error(), "unencrypted connection") {
		return &TransportError{Fatal: true, Err: err}
	}

	// Timeouts, refused connections, dropped sessions and cancellation.
	return &TransportError{Err: err}
}
