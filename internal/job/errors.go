package job

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the UI boundary. Every failure a session
// reports is classified into exactly one of these.
const (
	KindNegotiationFailed = "negotiation_failed"
	KindChunkIntegrity    = "chunk_integrity"
	KindPermissionDenied  = "permission_denied"
	KindStorageWrite      = "storage_write"
	KindTransport         = "transport"
	KindCancelled         = "cancelled"
	KindUnknown           = "unknown"
)

// ErrCancelled marks a transfer torn down by an explicit user or system
// action. It is a terminal outcome, not a failure.
var ErrCancelled = errors.New("transfer cancelled")

// NegotiationError means the remote service rejected or timed out before
// a server transfer id was issued; the job never entered streaming.
type NegotiationError struct {
	ResourceID string // resource the negotiation was for
	Reason     string // human-readable explanation
	Err        error  // underlying error, if any
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed for %s: %s", e.ResourceID, e.Reason)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// IntegrityError means the chunk stream is unusable: malformed base64
// after normalization, an out-of-order chunk, or a stream that ended
// before the last chunk. Never retried.
type IntegrityError struct {
	Index  int    // chunk index the error was detected at, -1 if unknown
	Reason string // human-readable explanation
	Err    error  // underlying error, if any
}

func (e *IntegrityError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("chunk integrity error at index %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("chunk integrity error: %s", e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// PermissionError means the document-tree permission is missing or was
// revoked before or during writing.
type PermissionError struct {
	Target string // the tree URI or path the permission was checked for
	Err    error  // underlying error, if any
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for destination %s", e.Target)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// StorageError means an underlying write, create, or rename failed.
type StorageError struct {
	Op     string // the operation that failed (e.g. "append", "rename")
	Target string // the path or document the operation was against
	Err    error  // underlying error, if any
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s on %s: %v", e.Op, e.Target, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// TransportError means the network stream failed mid-transfer. It is the
// only kind that triggers the one-time method fallback.
type TransportError struct {
	Method string // transfer method in use ("push" or "pull")
	Reason string // human-readable explanation
	Err    error  // underlying error, if any
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s stream: %s", e.Method, e.Reason)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Kind classifies an error into the stable taxonomy above.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}

	var negotiationErr *NegotiationError
	if errors.As(err, &negotiationErr) {
		return KindNegotiationFailed
	}

	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		return KindChunkIntegrity
	}

	var permissionErr *PermissionError
	if errors.As(err, &permissionErr) {
		return KindPermissionDenied
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return KindStorageWrite
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return KindTransport
	}

	return KindUnknown
}
