package sink

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pmoura/fetchq/internal/job"
)

const dirPerm = 0755

// FileSink accumulates decoded bytes into a temporary file under the
// staging directory, outside the destination directory, so a crash
// mid-download never leaves a partial file at the user-visible path.
// Finalize renames the temp file into place in one atomic operation.
type FileSink struct {
	destDir  string
	fileName string

	tmp       *os.File
	tmpPath   string
	finalized bool
	discarded bool
}

// NewFileSink creates the staging file for one job.
func NewFileSink(destDir, fileName, stagingDir string) (*FileSink, error) {
	if err := os.MkdirAll(stagingDir, dirPerm); err != nil {
		return nil, &job.StorageError{Op: "mkdir", Target: stagingDir, Err: err}
	}

	tmp, err := os.CreateTemp(stagingDir, fileName+".*.partial")
	if err != nil {
		return nil, &job.StorageError{Op: "create", Target: stagingDir, Err: err}
	}

	return &FileSink{
		destDir:  destDir,
		fileName: fileName,
		tmp:      tmp,
		tmpPath:  tmp.Name(),
	}, nil
}

// AppendEncoded decodes one normalized base64 chunk and writes it to the
// staging file. Decoding happens here, at the point of writing, so memory
// use is bounded by a single chunk.
func (s *FileSink) AppendEncoded(ctx context.Context, encoded []byte) (int, error) {
	if s.finalized || s.discarded {
		return 0, &job.StorageError{Op: "append", Target: s.tmpPath, Err: fmt.Errorf("sink is closed")}
	}

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))

	n, err := base64.StdEncoding.Decode(decoded, encoded)
	if err != nil {
		return 0, &job.IntegrityError{Index: -1, Reason: "malformed base64 payload", Err: err}
	}

	if _, err := s.tmp.Write(decoded[:n]); err != nil {
		return 0, &job.StorageError{Op: "append", Target: s.tmpPath, Err: err}
	}

	return n, nil
}

// Finalize flushes the staging file and renames it to the destination
// path. The rename is a single atomic filesystem operation, never a copy,
// so the destination is only ever observed as absent or complete.
func (s *FileSink) Finalize(ctx context.Context) (string, error) {
	if s.finalized {
		return "", &job.StorageError{Op: "finalize", Target: s.tmpPath, Err: fmt.Errorf("already finalized")}
	}

	if err := s.tmp.Sync(); err != nil {
		return "", &job.StorageError{Op: "sync", Target: s.tmpPath, Err: err}
	}

	if err := s.tmp.Close(); err != nil {
		return "", &job.StorageError{Op: "close", Target: s.tmpPath, Err: err}
	}

	if err := os.MkdirAll(s.destDir, dirPerm); err != nil {
		return "", &job.StorageError{Op: "mkdir", Target: s.destDir, Err: err}
	}

	dest := filepath.Join(s.destDir, s.fileName)
	if err := os.Rename(s.tmpPath, dest); err != nil {
		return "", &job.StorageError{Op: "rename", Target: dest, Err: err}
	}

	s.finalized = true

	return dest, nil
}

// Discard removes the staging file. Called for every failed or cancelled
// job so no partial resources are left behind.
func (s *FileSink) Discard(ctx context.Context) error {
	if s.finalized || s.discarded {
		return nil
	}

	s.discarded = true
	s.tmp.Close()

	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		return &job.StorageError{Op: "remove", Target: s.tmpPath, Err: err}
	}

	return nil
}
