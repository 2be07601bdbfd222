package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftwood-hq/mailsync/internal/model"
)

// ErrCursorExpired is returned by FetchChanges when the provider no
// longer accepts the stored cursor (Gmail history pruned, IMAP
// UIDVALIDITY changed, Graph delta token expired). The orchestrator
// clears the cursor and falls back to a bounded full fetch; it is not a
// failure.
var ErrCursorExpired = errors.New("sync cursor expired, full resync required")

// ErrorKind drives the orchestrator's retry policy. Retries are keyed
// off the kind, never off the provider.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindAuth      ErrorKind = "auth"
	KindRateLimit ErrorKind = "rate_limit"
	KindFatal     ErrorKind = "fatal"
)

// AdapterError is the typed failure surface of every adapter. RetryAfter
// carries the provider-suggested backoff for rate limits when one was
// given; zero means the caller picks its own delay.
type AdapterError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter error (%s): %v", e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to fatal for errors the
// adapter did not classify.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindFatal
}

// RetryAfterOf returns the provider-suggested backoff, if any.
func RetryAfterOf(err error) time.Duration {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// Transient wraps err as a retryable transient failure.
func Transient(err error) error { return &AdapterError{Kind: KindTransient, Err: err} }

// Auth wraps err as an authentication failure. Not retried; the account
// is flipped to error state for external re-auth.
func Auth(err error) error { return &AdapterError{Kind: KindAuth, Err: err} }

// RateLimited wraps err as a rate-limit rejection with an optional
// provider-suggested delay.
func RateLimited(err error, retryAfter time.Duration) error {
	return &AdapterError{Kind: KindRateLimit, RetryAfter: retryAfter, Err: err}
}

// Fatal wraps err as a permanent folder-level failure.
func Fatal(err error) error { return &AdapterError{Kind: KindFatal, Err: err} }

// RemoteFolder is one entry of a provider folder enumeration.
type RemoteFolder struct {
	ExternalID string
	Name       string
	// Attributes carries provider metadata useful for classification
	// (IMAP special-use attributes, Gmail label type).
	Attributes []string
}

// RawMessage carries provider-native message fields. Normalization into
// the stored email row happens in the upsert engine, keeping
// provider-specific parsing out of the orchestrator.
type RawMessage struct {
	MessageID    string
	ThreadID     string
	Subject      string
	Sender       string
	To           []string
	Cc           []string
	Snippet      string
	Flags        []string
	InternalDate time.Time
}

// ChangeSet is one page of changes for a folder. NewCursor is only
// persisted by the orchestrator after Messages has been durably
// upserted. MoreAvailable signals the caller to keep paging within its
// step budget.
type ChangeSet struct {
	Messages      []RawMessage
	NewCursor     string
	MoreAvailable bool
}

// FetchOptions bounds a fetch. DaysBack limits how far a full (no
// cursor) fetch reaches; PageSize caps one page.
type FetchOptions struct {
	DaysBack int
	PageSize int
}

// Adapter is the uniform contract every provider implements. One
// adapter instance is scoped to one account for one run.
type Adapter interface {
	// ListFolders enumerates the account's folders. Finite, one full
	// enumeration per call.
	ListFolders(ctx context.Context) ([]RemoteFolder, error)

	// FetchChanges returns messages changed since cursor for the given
	// folder. An empty cursor requests a full fetch bounded by
	// opts.DaysBack. Returns ErrCursorExpired (possibly wrapped) when
	// the cursor is no longer usable.
	FetchChanges(ctx context.Context, fld model.Folder, cursor string, opts FetchOptions) (ChangeSet, error)

	// Close releases any connection held for the run.
	Close() error
}

// Factory builds an adapter for an account, resolving whatever
// credentials the provider needs.
type Factory func(ctx context.Context, account model.Account) (Adapter, error)
