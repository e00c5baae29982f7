package zimserve

import "errors"

// Sentinel errors identifying the error kinds the router boundary translates to HTTP
// status codes. Callers deeper in the stack only need to wrap one of these with
// fmt.Errorf("%w: ...") and let errors.Is do the rest.
var (
	// ErrNotFound indicates a missing route, archive, entry, download id, or static file (404).
	ErrNotFound = errors.New("not found")

	// ErrClientError indicates a malformed or invalid request (400).
	ErrClientError = errors.New("bad request")

	// ErrUnauthorized indicates a management endpoint was called without a valid password (401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller exceeded the configured rate limit (429).
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstream indicates a remote catalog fetch failed (network or parse) (502).
	ErrUpstream = errors.New("upstream error")

	// ErrTooLarge indicates a response or request body exceeded a size limit (413).
	ErrTooLarge = errors.New("too large")

	// ErrArchiveTemporarilyUnavailable indicates an archive exists on disk but could not be
	// opened right now; callers should respond 503, not 404.
	ErrArchiveTemporarilyUnavailable = errors.New("archive temporarily unavailable")
)
