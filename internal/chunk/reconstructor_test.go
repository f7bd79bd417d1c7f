package chunk

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmoura/fetchq/internal/job"
)

// memorySink collects decoded bytes in memory for testing.
type memorySink struct {
	data      []byte
	appendErr error
	finalized bool
	discarded bool
}

func (m *memorySink) AppendEncoded(ctx context.Context, encoded []byte) (int, error) {
	if m.appendErr != nil {
		return 0, m.appendErr
	}

	decoded, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return 0, &job.IntegrityError{Index: -1, Reason: "malformed base64 payload", Err: err}
	}

	m.data = append(m.data, decoded...)

	return len(decoded), nil
}

func (m *memorySink) Finalize(ctx context.Context) (string, error) {
	m.finalized = true

	return "memory", nil
}

func (m *memorySink) Discard(ctx context.Context) error {
	m.discarded = true

	return nil
}

func encodeChunk(t *testing.T, index, total int, data string) Chunk {
	t.Helper()

	return Chunk{
		Index:       index,
		TotalChunks: total,
		Payload:     base64.StdEncoding.EncodeToString([]byte(data)),
	}
}

func TestReconstructorOrderedStream(t *testing.T) {
	snk := &memorySink{}
	rec := NewReconstructor(snk, 3)
	ctx := context.Background()

	for i, part := range []string{"first ", "second ", "third"} {
		applied, err := rec.Apply(ctx, encodeChunk(t, i, 3, part))
		require.NoError(t, err)
		require.True(t, applied)
	}

	require.Equal(t, "first second third", string(snk.data))
	require.Equal(t, 3, rec.Applied())
	require.Equal(t, int64(len("first second third")), rec.BytesWritten())
	require.True(t, rec.Complete())
}

func TestReconstructorDropsDuplicate(t *testing.T) {
	snk := &memorySink{}
	rec := NewReconstructor(snk, 3)
	ctx := context.Background()

	applied, err := rec.Apply(ctx, encodeChunk(t, 0, 3, "data"))
	require.NoError(t, err)
	require.True(t, applied)

	// Redelivery of chunk 0 must not be written twice.
	applied, err = rec.Apply(ctx, encodeChunk(t, 0, 3, "data"))
	require.NoError(t, err)
	require.False(t, applied)

	require.Equal(t, "data", string(snk.data))
	require.Equal(t, 1, rec.Applied())
}

func TestReconstructorGapIsFatal(t *testing.T) {
	snk := &memorySink{}
	rec := NewReconstructor(snk, 3)
	ctx := context.Background()

	_, err := rec.Apply(ctx, encodeChunk(t, 0, 3, "data"))
	require.NoError(t, err)

	_, err = rec.Apply(ctx, encodeChunk(t, 2, 3, "skipped ahead"))
	require.Error(t, err)

	var integrityErr *job.IntegrityError
	require.True(t, errors.As(err, &integrityErr))
	require.Equal(t, 2, integrityErr.Index)

	// Nothing past the gap reached the sink.
	require.Equal(t, "data", string(snk.data))
}

func TestReconstructorChunkCountChange(t *testing.T) {
	snk := &memorySink{}
	rec := NewReconstructor(snk, 3)
	ctx := context.Background()

	_, err := rec.Apply(ctx, encodeChunk(t, 0, 3, "data"))
	require.NoError(t, err)

	_, err = rec.Apply(ctx, encodeChunk(t, 1, 5, "more"))
	require.Error(t, err)

	var integrityErr *job.IntegrityError
	require.True(t, errors.As(err, &integrityErr))
}

func TestReconstructorMalformedPayloadCarriesIndex(t *testing.T) {
	snk := &memorySink{}
	rec := NewReconstructor(snk, 2)
	ctx := context.Background()

	_, err := rec.Apply(ctx, Chunk{Index: 0, TotalChunks: 2, Payload: "!!!not base64!!!"})
	require.Error(t, err)

	var integrityErr *job.IntegrityError
	require.True(t, errors.As(err, &integrityErr))
	require.Equal(t, 0, integrityErr.Index)
}

func TestReconstructorUnknownTotalNeverComplete(t *testing.T) {
	snk := &memorySink{}
	rec := NewReconstructor(snk, 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		applied, err := rec.Apply(ctx, encodeChunk(t, i, 0, "segment"))
		require.NoError(t, err)
		require.True(t, applied)
	}

	require.False(t, rec.Complete())
	require.Equal(t, 4, rec.Applied())
}
