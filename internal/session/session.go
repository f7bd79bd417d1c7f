// Package session owns one network transfer per job: it negotiates with
// the conversion service, drives the chunk stream into a sink, reports
// progress and handles cancellation and method fallback.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pmoura/fetchq/internal/chunk"
	"github.com/pmoura/fetchq/internal/job"
	"github.com/pmoura/fetchq/internal/logctx"
	"github.com/pmoura/fetchq/internal/remote"
	"github.com/pmoura/fetchq/internal/sink"
	"github.com/pmoura/fetchq/internal/telemetry"
)

// Transport is the slice of the remote client a session needs.
type Transport interface {
	Negotiate(ctx context.Context, nr remote.NegotiationRequest) (*remote.Negotiation, error)
	OpenPush(ctx context.Context, transferID string) (remote.ChunkStream, error)
	OpenPull(ctx context.Context, transferID string) (remote.ChunkStream, error)
	CancelTransfer(ctx context.Context, transferID string) error
}

var _ Transport = (*remote.Client)(nil)

// Reporter receives the session's mid-flight notifications. Terminal
// outcomes are the return value of Run, not reporter callbacks.
type Reporter interface {
	ServerIDAssigned(localID, serverID string)
	Progress(localID string, percent int)
}

// SinkFactory builds a fresh sink for an attempt. The fallback path
// discards the first sink and asks for a new one.
type SinkFactory func(ctx context.Context) (sink.Sink, error)

// State of a session. Errored is reachable from any non-terminal state;
// cancelling is reachable from negotiating and streaming.
type State string

const (
	StateNegotiating State = "negotiating"
	StateStreaming   State = "streaming"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateCancelling  State = "cancelling"
	StateCancelled   State = "cancelled"
	StateErrored     State = "errored"
)

// Config tunes method selection.
type Config struct {
	DefaultMethod      Method
	PullThresholdBytes int64
}

const remoteCancelTimeout = 10 * time.Second

// Session runs one transfer for one job. Exactly one session is bound to
// a job at a time.
type Session struct {
	localID   string
	desc      job.Descriptor
	transport Transport
	newSink   SinkFactory
	reporter  Reporter
	cfg       Config
	tel       *telemetry.Telemetry

	mu              sync.Mutex
	state           State
	serverID        string
	cancelled       bool
	remoteCancelled bool
	cancelRun       context.CancelFunc
}

func New(localID string, desc job.Descriptor, transport Transport, newSink SinkFactory, reporter Reporter, cfg Config, tel *telemetry.Telemetry) *Session {
	return &Session{
		localID:   localID,
		desc:      desc,
		transport: transport,
		newSink:   newSink,
		reporter:  reporter,
		cfg:       cfg,
		tel:       tel,
		state:     StateNegotiating,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ServerID returns the server-assigned transfer id, or "" before the
// handshake completed.
func (s *Session) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serverID
}

// Cancel requests teardown. It returns immediately; the network close
// and the remote cancel happen asynchronously. Safe to call repeatedly
// and from any goroutine.
func (s *Session) Cancel() {
	s.mu.Lock()

	if s.state == StateDone || s.state == StateCancelled || s.state == StateErrored {
		s.mu.Unlock()

		return
	}

	s.cancelled = true
	s.state = StateCancelling

	cancelRun := s.cancelRun
	serverID := s.serverID
	issueRemote := serverID != "" && !s.remoteCancelled

	if issueRemote {
		s.remoteCancelled = true
	}

	s.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}

	if issueRemote {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), remoteCancelTimeout)
			defer cancel()

			_ = s.transport.CancelTransfer(ctx, serverID)
		}()
	}
}

// Run executes the transfer and returns the final location on success.
// Every failure is classified into the job error taxonomy; cancellation
// surfaces as job.ErrCancelled.
func (s *Session) Run(ctx context.Context) (string, error) {
	ctx = logctx.WithJob(ctx, s.localID)
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancelled {
		s.state = StateCancelled
		s.mu.Unlock()

		return "", job.ErrCancelled
	}

	s.cancelRun = cancel
	s.state = StateNegotiating
	s.mu.Unlock()

	neg, err := s.transport.Negotiate(ctx, remote.NegotiationRequest{
		ResourceID:       s.desc.ResourceID,
		Format:           s.desc.Format,
		Quality:          s.desc.Quality,
		CorrelationToken: s.localID,
	})
	if err != nil {
		return "", s.finish(classifyNegotiation(ctx, err, s.desc.ResourceID))
	}

	s.mu.Lock()
	s.serverID = neg.TransferID
	wasCancelled := s.cancelled
	s.mu.Unlock()

	s.reporter.ServerIDAssigned(s.localID, neg.TransferID)

	if wasCancelled {
		// Cancel raced the handshake; the reporter call above lets the
		// queue drain its pending-cancel entry, which re-enters Cancel
		// with the server id now known.
		return "", s.finish(job.ErrCancelled)
	}

	logger.Info("transfer accepted",
		"transfer_id", neg.TransferID,
		"total_size", humanize.Bytes(uint64(neg.TotalBytes)),
		"total_chunks", neg.TotalChunks,
	)

	policy := newFallbackPolicy(s.cfg.DefaultMethod, s.cfg.PullThresholdBytes, neg.TotalBytes)

	for {
		snk, err := s.newSink(ctx)
		if err != nil {
			return "", s.finish(err)
		}

		s.setState(StateStreaming)

		method := policy.current()

		written, streamErr := s.streamOnce(ctx, method, neg, snk)
		if streamErr == nil {
			s.setState(StateFinalizing)

			location, err := snk.Finalize(ctx)
			if err != nil {
				_ = snk.Discard(ctx)

				return "", s.finish(err)
			}

			s.reporter.Progress(s.localID, 100)
			s.setState(StateDone)

			logger.Info("transfer finished", "method", string(method), "location", location,
				"written", humanize.Bytes(uint64(written)))

			return location, nil
		}

		_ = snk.Discard(ctx)

		if errors.Is(streamErr, job.ErrCancelled) {
			return "", s.finish(job.ErrCancelled)
		}

		var transportErr *job.TransportError
		if errors.As(streamErr, &transportErr) && policy.fail(written) {
			logger.Warn("transfer method failed before any durable write, trying alternate",
				"failed_method", string(method),
				"next_method", string(policy.current()),
				"err", streamErr,
			)

			continue
		}

		return "", s.finish(streamErr)
	}
}

func (s *Session) streamOnce(ctx context.Context, method Method, neg *remote.Negotiation, snk sink.Sink) (int64, error) {
	var (
		stream remote.ChunkStream
		err    error
	)

	switch method {
	case MethodPull:
		stream, err = s.transport.OpenPull(ctx, neg.TransferID)
	default:
		stream, err = s.transport.OpenPush(ctx, neg.TransferID)
	}

	if err != nil {
		if s.isCancelled(ctx) {
			return 0, job.ErrCancelled
		}

		return 0, err
	}

	defer stream.Close()

	// The push socket blocks in a network read that does not observe ctx.
	// Closing the stream when the context ends unblocks that read.
	watch := make(chan struct{})
	defer close(watch)

	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-watch:
		}
	}()

	totalChunks := neg.TotalChunks
	if method == MethodPull {
		// The pull body carries no chunk framing; indices are synthetic.
		totalChunks = 0
	}

	rec := chunk.NewReconstructor(snk, totalChunks)

	for {
		if s.isCancelled(ctx) {
			return rec.BytesWritten(), job.ErrCancelled
		}

		c, err := stream.Next(ctx)
		if err == io.EOF {
			if totalChunks > 0 && !rec.Complete() {
				return rec.BytesWritten(), &job.IntegrityError{
					Index:  rec.Applied(),
					Reason: fmt.Sprintf("stream ended after %d of %d chunks", rec.Applied(), totalChunks),
				}
			}

			return rec.BytesWritten(), nil
		}

		if err != nil {
			if s.isCancelled(ctx) {
				return rec.BytesWritten(), job.ErrCancelled
			}

			return rec.BytesWritten(), err
		}

		applied, err := rec.Apply(ctx, *c)
		if err != nil {
			return rec.BytesWritten(), err
		}

		if !applied {
			continue
		}

		s.tel.RecordChunk(ctx, int64(len(c.Payload)))
		s.reporter.Progress(s.localID, percent(rec, neg))

		if rec.Complete() {
			return rec.BytesWritten(), nil
		}
	}
}

func percent(rec *chunk.Reconstructor, neg *remote.Negotiation) int {
	var p int

	switch {
	case neg.TotalBytes > 0:
		p = int(rec.BytesWritten() * 100 / neg.TotalBytes)
	case neg.TotalChunks > 0:
		p = rec.Applied() * 100 / neg.TotalChunks
	}

	if p > 100 {
		p = 100
	}

	return p
}

func (s *Session) isCancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancelled
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cancelled {
		s.state = state
	}
}

func (s *Session) finish(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errors.Is(err, job.ErrCancelled) {
		s.state = StateCancelled
	} else {
		s.state = StateErrored
	}

	return err
}

func classifyNegotiation(ctx context.Context, err error, resourceID string) error {
	if ctx.Err() != nil {
		return job.ErrCancelled
	}

	var negotiationErr *job.NegotiationError
	if errors.As(err, &negotiationErr) {
		return err
	}

	return &job.NegotiationError{ResourceID: resourceID, Reason: "negotiation failed", Err: err}
}
