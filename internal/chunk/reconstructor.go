package chunk

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmoura/fetchq/internal/job"
	"github.com/pmoura/fetchq/internal/logctx"
	"github.com/pmoura/fetchq/internal/sink"
)

// Reconstructor drives an ordered chunk stream into a sink. It tracks
// the next expected index: a lower index is a duplicate and is dropped
// with a warning, a higher index means a chunk was missed and fails the
// job. There is no gap-filling.
type Reconstructor struct {
	sink        sink.Sink
	totalChunks int

	next    int
	written int64
}

// NewReconstructor binds a reconstructor to a sink. totalChunks may be 0
// when the transfer method cannot announce a chunk count up front.
func NewReconstructor(s sink.Sink, totalChunks int) *Reconstructor {
	return &Reconstructor{
		sink:        s,
		totalChunks: totalChunks,
	}
}

// Apply normalizes one chunk and appends it to the sink. It reports
// whether the chunk was applied; a duplicate returns (false, nil).
func (r *Reconstructor) Apply(ctx context.Context, c Chunk) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	if c.Index < r.next {
		logger.Warn("dropping duplicate chunk", "chunk_index", c.Index, "expected_index", r.next)

		return false, nil
	}

	if c.Index > r.next {
		return false, &job.IntegrityError{
			Index:  c.Index,
			Reason: fmt.Sprintf("expected chunk %d, got %d", r.next, c.Index),
		}
	}

	if r.totalChunks > 0 && c.TotalChunks > 0 && c.TotalChunks != r.totalChunks {
		return false, &job.IntegrityError{
			Index:  c.Index,
			Reason: fmt.Sprintf("chunk count changed mid-transfer from %d to %d", r.totalChunks, c.TotalChunks),
		}
	}

	normalized, err := Normalize(c.Payload)
	if err != nil {
		var integrityErr *job.IntegrityError
		if errors.As(err, &integrityErr) {
			integrityErr.Index = c.Index
		}

		return false, err
	}

	n, err := r.sink.AppendEncoded(ctx, normalized)
	if err != nil {
		return false, err
	}

	r.next++
	r.written += int64(n)

	return true, nil
}

// Applied returns the number of chunks written to the sink so far.
func (r *Reconstructor) Applied() int {
	return r.next
}

// BytesWritten returns the decoded bytes written to the sink so far.
func (r *Reconstructor) BytesWritten() int64 {
	return r.written
}

// Complete reports whether every announced chunk has been applied.
// Always false when the chunk count is unknown.
func (r *Reconstructor) Complete() bool {
	return r.totalChunks > 0 && r.next == r.totalChunks
}
