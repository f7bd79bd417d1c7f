// Package chunk turns untrusted base64 text chunks into bytes applied to
// a sink, in strict index order, without ever materializing the full
// payload in memory.
package chunk

import (
	"fmt"

	"github.com/pmoura/fetchq/internal/job"
)

// Chunk is one unit of the streamed payload as delivered by the
// conversion service. Index is 0-based and contiguous; TotalChunks is
// fixed for the life of a transfer (0 when the method cannot know it).
type Chunk struct {
	Index       int
	TotalChunks int
	Payload     string
	RawSize     int64
	EncodedSize int64
}

// Normalize sanitizes one base64 payload: whitespace is stripped
// (servers line-wrap long encoded strings), the URL-safe alphabet is
// mapped to the standard one, and padding is restored. The result is
// ready for encoding/base64 StdEncoding; anything that cannot be
// repaired is an IntegrityError.
func Normalize(payload string) ([]byte, error) {
	out := make([]byte, 0, len(payload))

	for i := 0; i < len(payload); i++ {
		c := payload[i]

		switch {
		case c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == '\v':
			continue
		case c == '-':
			out = append(out, '+')
		case c == '_':
			out = append(out, '/')
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/', c == '=':
			out = append(out, c)
		default:
			return nil, &job.IntegrityError{
				Index:  -1,
				Reason: fmt.Sprintf("invalid base64 character %q at offset %d", c, i),
			}
		}
	}

	pad := (4 - len(out)%4) % 4
	if pad == 3 {
		// A base64 quantum is never a single character; no amount of
		// padding makes this decodable.
		return nil, &job.IntegrityError{
			Index:  -1,
			Reason: fmt.Sprintf("payload length %d is not a valid base64 length", len(out)),
		}
	}

	for i := 0; i < pad; i++ {
		out = append(out, '=')
	}

	return out, nil
}
