package proxy

import (
	"errors"
	"fmt"
)

var (
	ErrBlocked     = errors.New("blocked by anti-bot challenge")
	ErrTransport   = errors.New("transport failure")
	ErrUndecodable = errors.New("response body is not UTF-8")
)

// Error kinds reported to scripts and metrics.
const (
	KindBlocked     = "blocked"
	KindTransport   = "transport"
	KindUndecodable = "undecodable"
	KindOK          = "ok"
)

// BlockedError is returned for a 403 response. The request can be reissued
// once the challenge has been solved.
type BlockedError struct {
	Status    int
	URL       string
	Challenge Challenge
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: HTTP %d from %s (%s)", ErrBlocked, e.Status, e.URL, e.Challenge.Provider)
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// TransportError wraps DNS, TLS, timeout, connection and admission failures.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTransport, e.URL, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// UndecodableError reports a body that could not be turned into UTF-8 text.
type UndecodableError struct {
	URL     string
	Charset string
	Err     error
}

func (e *UndecodableError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", ErrUndecodable, e.URL, e.Err)
	case e.Charset != "":
		return fmt.Sprintf("%s: %s looks like %s", ErrUndecodable, e.URL, e.Charset)
	default:
		return fmt.Sprintf("%s: %s", ErrUndecodable, e.URL)
	}
}

func (e *UndecodableError) Is(target error) bool { return target == ErrUndecodable }

func (e *UndecodableError) Unwrap() error { return e.Err }

// Kind classifies err into one of the Kind constants. Unclassified errors
// are reported as transport failures.
func Kind(err error) string {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrBlocked):
		return KindBlocked
	case errors.Is(err, ErrUndecodable):
		return KindUndecodable
	default:
		return KindTransport
	}
}
