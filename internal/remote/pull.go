package remote

import (
	"context"
	"io"

	"github.com/pmoura/fetchq/internal/chunk"
	"github.com/pmoura/fetchq/internal/job"
)

// pullSegmentSize is the encoded length of one synthetic chunk on the
// pull path. Multiple of 4 so every segment is independently decodable.
const pullSegmentSize = 96 * 1024

// pullStream adapts the whole-stream pull method to the chunk contract.
// The body is one continuous base64 text; the stream strips whitespace,
// cuts the text on 4-character boundaries and emits the segments as
// chunks with synthetic indices. The chunk total stays unknown, so
// progress falls back to the byte ratio.
type pullStream struct {
	body io.ReadCloser

	carry []byte
	buf   []byte
	next  int
	eof   bool
}

func newPullStream(body io.ReadCloser) *pullStream {
	return &pullStream{
		body: body,
		buf:  make([]byte, 32*1024),
	}
}

func (s *pullStream) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for !s.eof && len(s.carry) < pullSegmentSize {
		n, err := s.body.Read(s.buf)

		for _, c := range s.buf[:n] {
			switch c {
			case ' ', '\n', '\r', '\t', '\f', '\v':
				continue
			}

			s.carry = append(s.carry, c)
		}

		if err == io.EOF {
			s.eof = true

			break
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			return nil, &job.TransportError{Method: "pull", Reason: "content stream read failed", Err: err}
		}
	}

	if len(s.carry) == 0 {
		return nil, io.EOF
	}

	cut := len(s.carry)
	if !s.eof {
		// Keep the trailing partial quantum for the next segment.
		cut = min(cut-cut%4, pullSegmentSize)
	}

	segment := s.carry[:cut]
	s.carry = append([]byte(nil), s.carry[cut:]...)

	c := &chunk.Chunk{
		Index:       s.next,
		Payload:     string(segment),
		EncodedSize: int64(len(segment)),
	}
	s.next++

	return c, nil
}

func (s *pullStream) Close() error {
	return s.body.Close()
}
