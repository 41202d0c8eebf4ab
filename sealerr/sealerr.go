// Package sealerr defines the error kinds shared by every RPC surface in the
// substrate: directory, mailbox and device endpoints all fail in one of a
// small number of ways, and callers branch on kind rather than message text.
package sealerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap one of these with fmt.Errorf("...: %w", sealerr.AccessDenied)
// or return it directly; callers use errors.Is.
var (
	// AccessDenied covers any verification failure: bad signature, broken
	// certificate chain, or an ACL that doesn't grant the requested bit.
	// Never retried locally.
	AccessDenied = errors.New("access denied")

	// RetryLater covers transient storage or network failures. Surfaced to
	// the caller verbatim; background loops back off instead of failing.
	RetryLater = errors.New("retry later")

	// NotSupported is returned by proxy endpoints for methods the upstream
	// doesn't implement.
	NotSupported = errors.New("not supported")
)

// UpdateRejected is the directory's semantic rejection of an insert: a bad
// history, a stale or already-consumed PoW seed, or similar. Non-retriable
// without a new seed or a corrected update from the caller.
type UpdateRejected struct {
	Reason string
}

func (e *UpdateRejected) Error() string {
	return fmt.Sprintf("update rejected: %s", e.Reason)
}

// Rejected builds an *UpdateRejected for the given reason.
func Rejected(reason string) error {
	return &UpdateRejected{Reason: reason}
}

// ProxyError is returned by v1_proxy_server/v1_proxy_directory when the
// upstream call itself fails, as opposed to the proxy method being
// unsupported (use NotSupported for that).
type ProxyError struct {
	Upstream string
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy error: %s", e.Upstream)
}

// IsAccessDenied reports whether err (or anything it wraps) is AccessDenied.
func IsAccessDenied(err error) bool { return errors.Is(err, AccessDenied) }

// IsRetryLater reports whether err (or anything it wraps) is RetryLater.
func IsRetryLater(err error) bool { return errors.Is(err, RetryLater) }

// AsUpdateRejected extracts the UpdateRejected reason, if any.
func AsUpdateRejected(err error) (*UpdateRejected, bool) {
	var ur *UpdateRejected
	if errors.As(err, &ur) {
		return ur, true
	}
	return nil, false
}
