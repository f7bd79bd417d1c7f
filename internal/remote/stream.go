package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pmoura/fetchq/internal/chunk"
	"github.com/pmoura/fetchq/internal/job"
)

// wireEvent is one frame on the push socket. The service sends ordered
// "chunk" frames followed by exactly one "complete" or "error" frame.
type wireEvent struct {
	Event       string `json:"event"`
	TransferID  string `json:"transfer_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	ChunkData   string `json:"chunk_data"`
	RawSize     int64  `json:"raw_size"`
	EncodedSize int64  `json:"encoded_size"`
	Message     string `json:"message"`
}

type pushStream struct {
	conn *websocket.Conn
	done bool
}

func newPushStream(conn *websocket.Conn) *pushStream {
	return &pushStream{conn: conn}
}

func (s *pushStream) Next(ctx context.Context) (*chunk.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	var ev wireEvent
	if err := s.conn.ReadJSON(&ev); err != nil {
		// A concurrent Close (cancellation) surfaces here as a read error.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, &job.TransportError{Method: "push", Reason: "push socket read failed", Err: err}
	}

	switch ev.Event {
	case "chunk":
		return &chunk.Chunk{
			Index:       ev.ChunkIndex,
			TotalChunks: ev.TotalChunks,
			Payload:     ev.ChunkData,
			RawSize:     ev.RawSize,
			EncodedSize: ev.EncodedSize,
		}, nil
	case "complete":
		s.done = true

		return nil, io.EOF
	case "error":
		s.done = true

		return nil, &job.TransportError{Method: "push", Reason: "service reported: " + ev.Message}
	}

	return nil, &job.TransportError{Method: "push", Reason: fmt.Sprintf("unknown event %q on push socket", ev.Event)}
}

func (s *pushStream) Close() error {
	return s.conn.Close()
}
