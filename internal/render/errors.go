package render

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GriffinCanCode/prerender/internal/cdp"
)

// Kind classifies render failures. The coordinator maps kinds to HTTP
// statuses and decides session and breaker consequences from them.
type Kind int

const (
	KindInternal Kind = iota
	// KindTransport: the CDP socket died; the session is already gone.
	KindTransport
	// KindNavigate: the browser reported a navigation failure.
	KindNavigate
	// KindTimeout: the render deadline was reached; the session is condemned.
	KindTimeout
	// KindExtract: the browser refused the extraction call; session survives.
	KindExtract
	// KindPolicy: the primary URL violates the domain allow-list.
	KindPolicy
	// KindPool: page acquisition timed out on the waitlist.
	KindPool
	// KindUpstreamOpen: the circuit breaker is open, or rendering disabled.
	KindUpstreamOpen
	// KindCancelled: the caller abandoned the request.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNavigate:
		return "navigate"
	case KindTimeout:
		return "timeout"
	case KindExtract:
		return "extract"
	case KindPolicy:
		return "policy"
	case KindPool:
		return "pool"
	case KindUpstreamOpen:
		return "upstream_open"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error is a classified render failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// UpstreamFault marks navigation failures caused by the network path
	// (DNS, refused connections) rather than by the requested URL.
	UpstreamFault bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("render %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("render %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind, defaulting to KindInternal.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// IsUpstreamFault reports whether a navigation failure indicts the network
// path rather than the requested URL.
func IsUpstreamFault(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.UpstreamFault
}

// condemns reports whether the failure leaves the session unusable.
// Transport failures already killed it, timeouts leave in-flight browser
// work behind, and cancellation abandons an unfinished navigation.
func condemns(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout, KindCancelled:
		return true
	}
	return false
}

// countsTowardBreaker reports whether the failure indicts the upstream
// browser rather than the rendered site.
func countsTowardBreaker(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	switch re.Kind {
	case KindTransport, KindTimeout:
		return true
	case KindNavigate:
		return re.UpstreamFault
	}
	return false
}

// classify converts a raw session-level error into a render Error for the
// given operation. Context errors take priority: a deadline hit mid-call is
// a timeout regardless of what the transport reported.
func classify(op string, err error, fallback Kind) error {
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return newError(KindCancelled, op, err)
	case errors.Is(err, cdp.ErrConnClosed):
		return newError(KindTransport, op, err)
	}
	return newError(fallback, op, err)
}

// upstreamFault classifies a Chromium net error text. DNS and connection
// level failures mean the path to the site is broken; everything else is
// the site's or the caller's fault.
func upstreamFault(errorText string) bool {
	for _, s := range []string{
		"ERR_NAME_NOT_RESOLVED",
		"ERR_NAME_RESOLUTION_FAILED",
		"ERR_CONNECTION_REFUSED",
		"ERR_CONNECTION_RESET",
		"ERR_CONNECTION_TIMED_OUT",
		"ERR_ADDRESS_UNREACHABLE",
		"ERR_INTERNET_DISCONNECTED",
		"ERR_PROXY_CONNECTION_FAILED",
	} {
		if strings.Contains(errorText, s) {
			return true
		}
	}
	return false
}
