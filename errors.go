package rsdriver

import (
	"errors"

	"github.com/nimbusdb/rsdriver/internal/errs"
	"github.com/nimbusdb/rsdriver/internal/pool"
)

// Kind is one of the driver's error categories (spec.md §7).
type Kind = errs.Kind

// The error kinds spec.md §7 names. Test with errors.Is against the
// matching Err* sentinel below, not with ==, since a real error always
// carries its own message and cause.
const (
	KindConfiguration     = errs.Configuration
	KindConnectionFailure = errs.ConnectionFailure
	KindAutoReconnect     = errs.AutoReconnect
	KindOperationFailure  = errs.OperationFailure
	KindDuplicateKey      = errs.DuplicateKey
	KindInvalidDocument   = errs.InvalidDocument
)

// Sentinel errors for errors.Is, one per spec.md §7 kind. A returned
// error matches its sentinel by Kind alone (see internal/errs.Error.Is),
// the same way the teacher's Err* sentinels pair with %w-wrapped
// context rather than carrying it themselves.
var (
	// ErrConfiguration is static misuse: missing replicaSet, conflicting
	// TLS options, a wrong set name, or an empty seed list. Fatal; never
	// retried.
	ErrConfiguration = errs.New(errs.Configuration, "configuration error")
	// ErrConnectionFailure is a transport-level failure: connect
	// refused, TLS handshake failure, EOF.
	ErrConnectionFailure = errs.New(errs.ConnectionFailure, "connection failure")
	// ErrAutoReconnect is transient; retry after the monitor refreshes.
	ErrAutoReconnect = errs.New(errs.AutoReconnect, "auto-reconnect")
	// ErrOperationFailure means the server returned an error document.
	ErrOperationFailure = errs.New(errs.OperationFailure, "operation failure")
	// ErrDuplicateKey is an ErrOperationFailure carrying server code
	// 11000, 11001, or 12582.
	ErrDuplicateKey = errs.New(errs.DuplicateKey, "duplicate key")
	// ErrInvalidDocument is a local check: an outgoing document exceeds
	// the primary's maxBsonObjectSize.
	ErrInvalidDocument = errs.New(errs.InvalidDocument, "invalid document")

	// ErrTimeout is returned when a pool's wait-queue timeout elapses
	// before a socket becomes available (spec.md §4.3/§7).
	ErrTimeout = pool.ErrTimeout
	// ErrOverloaded is returned when a pool's waitQueueMultiple budget
	// would be exceeded by a new waiter (spec.md §4.3).
	ErrOverloaded = pool.ErrOverloaded
)

// IsAutoReconnect reports whether err (or anything it wraps) is an
// auto-reconnect condition — the caller should retry once the monitor
// has had a chance to refresh.
func IsAutoReconnect(err error) bool { return errors.Is(err, ErrAutoReconnect) }

// IsConfiguration reports whether err is a static configuration error.
// Never worth retrying.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsDuplicateKey reports whether err is a duplicate-key operation
// failure (server codes 11000, 11001, 12582).
func IsDuplicateKey(err error) bool { return errors.Is(err, ErrDuplicateKey) }
