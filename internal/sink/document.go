package sink

import (
	"context"
	"encoding/base64"
	"mime"
	"path/filepath"

	"github.com/pmoura/fetchq/internal/job"
)

// DocumentStore is the provider-mediated document tree the document
// backend writes through. On Android this is backed by the scoped
// storage bridge; tests supply an in-memory implementation.
type DocumentStore interface {
	// HasPermission reports whether the app still holds write access to the tree.
	HasPermission(ctx context.Context, treeURI string) (bool, error)

	// FindDocument returns the id of an existing document with the given
	// name, or "" if none exists.
	FindDocument(ctx context.Context, treeURI, name string) (string, error)

	CreateDocument(ctx context.Context, treeURI, name, mimeType string) (string, error)
	AppendDocument(ctx context.Context, docID string, data []byte) error
	DeleteDocument(ctx context.Context, docID string) error
}

// DocumentSink writes straight into a destination document. The provider
// API has no atomic rename across the tree boundary, so the document is
// created up front (replacing a stale one of the same name) and Finalize
// only returns its id. Permission is verified before the first write; a
// revoked grant fails the job instead of silently falling back.
type DocumentSink struct {
	store   DocumentStore
	treeURI string
	name    string

	docID  string
	opened bool
}

func NewDocumentSink(store DocumentStore, treeURI, name string) *DocumentSink {
	return &DocumentSink{
		store:   store,
		treeURI: treeURI,
		name:    name,
	}
}

func (s *DocumentSink) open(ctx context.Context) error {
	granted, err := s.store.HasPermission(ctx, s.treeURI)
	if err != nil {
		return &job.PermissionError{Target: s.treeURI, Err: err}
	}

	if !granted {
		return &job.PermissionError{Target: s.treeURI}
	}

	stale, err := s.store.FindDocument(ctx, s.treeURI, s.name)
	if err != nil {
		return &job.StorageError{Op: "lookup", Target: s.treeURI, Err: err}
	}

	if stale != "" {
		if err := s.store.DeleteDocument(ctx, stale); err != nil {
			return &job.StorageError{Op: "delete", Target: stale, Err: err}
		}
	}

	docID, err := s.store.CreateDocument(ctx, s.treeURI, s.name, mimeFor(s.name))
	if err != nil {
		return &job.StorageError{Op: "create", Target: s.treeURI, Err: err}
	}

	s.docID = docID
	s.opened = true

	return nil
}

// AppendEncoded decodes one normalized base64 chunk and appends it to the
// destination document, creating the document before the first write.
func (s *DocumentSink) AppendEncoded(ctx context.Context, encoded []byte) (int, error) {
	if !s.opened {
		if err := s.open(ctx); err != nil {
			return 0, err
		}
	}

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))

	n, err := base64.StdEncoding.Decode(decoded, encoded)
	if err != nil {
		return 0, &job.IntegrityError{Index: -1, Reason: "malformed base64 payload", Err: err}
	}

	if err := s.store.AppendDocument(ctx, s.docID, decoded[:n]); err != nil {
		return 0, &job.StorageError{Op: "append", Target: s.docID, Err: err}
	}

	return n, nil
}

// Finalize returns the document id. The content is already at its
// permanent location; there is no rename step on this backend.
func (s *DocumentSink) Finalize(ctx context.Context) (string, error) {
	if !s.opened {
		// Zero-chunk transfer still produces an (empty) document.
		if err := s.open(ctx); err != nil {
			return "", err
		}
	}

	return s.docID, nil
}

// Discard deletes the destination document so a failed or cancelled job
// never leaves a document visible in the user's chosen tree.
func (s *DocumentSink) Discard(ctx context.Context) error {
	if !s.opened {
		return nil
	}

	s.opened = false

	if err := s.store.DeleteDocument(ctx, s.docID); err != nil {
		return &job.StorageError{Op: "delete", Target: s.docID, Err: err}
	}

	return nil
}

func mimeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}

	return "application/octet-stream"
}
