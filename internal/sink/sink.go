// Package sink unifies the two persistence backends a job can write
// into: plain filesystem paths and provider-mediated document trees.
// Both expose the same incremental-write, atomic-finalize contract so
// the rest of the system stays backend-agnostic.
package sink

import (
	"context"
	"fmt"
)

// TargetKind selects the backend once, at sink construction.
type TargetKind string

const (
	KindFilesystem TargetKind = "filesystem"
	KindDocument   TargetKind = "document"
)

// Target is the tagged destination a job writes to. Exactly one of the
// backend-specific fields is meaningful, decided by Kind.
type Target struct {
	Kind TargetKind

	// Directory is the destination directory for the filesystem backend.
	Directory string

	// TreeURI is the permission-gated document tree for the document backend.
	TreeURI string

	// FileName is the user-visible name of the finished file.
	FileName string
}

// Sink is a write target bound to exactly one job. AppendEncoded takes
// normalized base64 text and reports the number of decoded bytes written.
// Finalize makes the result visible at its permanent location and is
// called at most once, after the last chunk. Discard abandons the
// temporary resource; it is safe to call after a failed Finalize.
type Sink interface {
	AppendEncoded(ctx context.Context, encoded []byte) (int, error)
	Finalize(ctx context.Context) (string, error)
	Discard(ctx context.Context) error
}

// New builds the sink for a target. stagingDir is only used by the
// filesystem backend; store is only used by the document backend.
func New(ctx context.Context, target Target, stagingDir string, store DocumentStore) (Sink, error) {
	switch target.Kind {
	case KindFilesystem:
		return NewFileSink(target.Directory, target.FileName, stagingDir)
	case KindDocument:
		if store == nil {
			return nil, fmt.Errorf("document target requires a document store")
		}

		return NewDocumentSink(store, target.TreeURI, target.FileName), nil
	}

	return nil, fmt.Errorf("unknown target kind: %s", target.Kind)
}
