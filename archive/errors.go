package archive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrIndexUnavailable is returned when the CDX index answers with a
	// non-200 status.
	ErrIndexUnavailable = errors.New("archive: index unavailable")
)

// ErrorKind labels a failed archive request.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindConnection  ErrorKind = "connection"
	KindForbidden   ErrorKind = "forbidden"
	KindNotFound    ErrorKind = "not_found"
	KindRateLimited ErrorKind = "rate_limited"
	KindStatus      ErrorKind = "bad_status"
	KindOther       ErrorKind = "other"
)

// FetchError describes a failed archive request.
type FetchError struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Kind, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func classifyError(rawURL string, err error, statusCode int) *FetchError {
	if err == nil && statusCode == 0 {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("http status %d", statusCode)
	}

	fe := &FetchError{Kind: KindOther, URL: rawURL, Status: statusCode, Err: err}

	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		fe.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind = KindTimeout
	case errors.As(err, &opErr):
		fe.Kind = KindConnection
	case statusCode == http.StatusForbidden:
		fe.Kind = KindForbidden
	case statusCode == http.StatusNotFound:
		fe.Kind = KindNotFound
	case statusCode == http.StatusTooManyRequests:
		fe.Kind = KindRateLimited
	case statusCode != 0 && statusCode != http.StatusOK:
		fe.Kind = KindStatus
	}
	return fe
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return string(KindOther)
}
