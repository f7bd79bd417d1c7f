package queue

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmoura/fetchq/internal/chunk"
	"github.com/pmoura/fetchq/internal/job"
	"github.com/pmoura/fetchq/internal/remote"
	"github.com/pmoura/fetchq/internal/session"
	"github.com/pmoura/fetchq/internal/sink"
	"github.com/pmoura/fetchq/internal/storage"
)

// fakeRepo records repository calls in memory.
type fakeRepo struct {
	mu        sync.Mutex
	tracked   map[string]storage.JobRecord
	statuses  map[string][]string
	serverIDs map[string]string
	results   map[string]storage.JobRecord
	deleted   []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tracked:   make(map[string]storage.JobRecord),
		statuses:  make(map[string][]string),
		serverIDs: make(map[string]string),
		results:   make(map[string]storage.JobRecord),
	}
}

func (f *fakeRepo) GetJobs() ([]storage.JobRecord, error) { return nil, nil }

func (f *fakeRepo) GetJob(localID string) (*storage.JobRecord, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeRepo) TrackJob(rec storage.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tracked[rec.LocalID] = rec

	return nil
}

func (f *fakeRepo) UpdateServerID(localID, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.serverIDs[localID] = serverID

	return nil
}

func (f *fakeRepo) UpdateStatus(localID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statuses[localID] = append(f.statuses[localID], status)

	return nil
}

func (f *fakeRepo) UpdateProgress(localID string, progress int) error { return nil }

func (f *fakeRepo) UpdateResult(localID, status, location, errorKind, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.results[localID] = storage.JobRecord{
		LocalID:      localID,
		Status:       status,
		Location:     location,
		ErrorKind:    errorKind,
		ErrorMessage: errorMessage,
	}

	return nil
}

func (f *fakeRepo) DeleteJob(localID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, localID)

	return nil
}

func (f *fakeRepo) PruneTerminal(olderThan string) (int64, error) { return 0, nil }
func (f *fakeRepo) FailInterrupted() (int64, error)               { return 0, nil }

func (f *fakeRepo) result(localID string) (storage.JobRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.results[localID]

	return rec, ok
}

// scriptedStream yields chunks then EOF; a blocking stream waits for ctx
// cancellation instead.
type scriptedStream struct {
	chunks []chunk.Chunk
	block  bool
	pos    int
}

func (s *scriptedStream) Next(ctx context.Context) (*chunk.Chunk, error) {
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++

		return &c, nil
	}

	if s.block {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	return nil, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// scriptedTransport implements session.Transport with optional blocking
// negotiation.
type scriptedTransport struct {
	mu sync.Mutex

	negotiation remote.Negotiation
	stream      func() remote.ChunkStream

	negotiateStarted chan string
	negotiateRelease chan struct{}

	inFlight     int
	peakInFlight int
	cancelled    []string
}

func (s *scriptedTransport) Negotiate(ctx context.Context, nr remote.NegotiationRequest) (*remote.Negotiation, error) {
	s.mu.Lock()
	s.inFlight++

	if s.inFlight > s.peakInFlight {
		s.peakInFlight = s.inFlight
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.negotiateStarted != nil {
		s.negotiateStarted <- nr.CorrelationToken
	}

	if s.negotiateRelease != nil {
		<-s.negotiateRelease
	}

	neg := s.negotiation
	neg.TransferID = "srv-" + nr.CorrelationToken

	return &neg, nil
}

func (s *scriptedTransport) OpenPush(ctx context.Context, transferID string) (remote.ChunkStream, error) {
	if s.stream == nil {
		return nil, fmt.Errorf("no stream scripted")
	}

	return s.stream(), nil
}

func (s *scriptedTransport) OpenPull(ctx context.Context, transferID string) (remote.ChunkStream, error) {
	return s.OpenPush(ctx, transferID)
}

func (s *scriptedTransport) CancelTransfer(ctx context.Context, transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelled = append(s.cancelled, transferID)

	return nil
}

func (s *scriptedTransport) cancelledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.cancelled...)
}

func encodedChunk(index, total int, data string) chunk.Chunk {
	return chunk.Chunk{
		Index:       index,
		TotalChunks: total,
		Payload:     base64.StdEncoding.EncodeToString([]byte(data)),
	}
}

func newTestManager(t *testing.T, transport session.Transport, repo storage.JobRepository, maxActive int64) *Manager {
	t.Helper()

	return NewManager(context.Background(), transport, nil, repo, nil, Config{
		MaxActive:           maxActive,
		ProgressMinInterval: time.Millisecond,
		StagingDir:          t.TempDir(),
		Session:             session.Config{DefaultMethod: session.MethodPush},
	})
}

func submitTestJob(m *Manager, destDir string) string {
	return m.Submit(SubmitRequest{
		Descriptor: job.Descriptor{ResourceID: "res-1", Format: "mp3", Title: "Track"},
		Target:     sink.Target{Kind: sink.KindFilesystem, Directory: destDir, FileName: "track.mp3"},
	})
}

func waitStatus(t *testing.T, m *Manager, localID string, want job.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		j, ok := m.Job(localID)

		return ok && j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerRunsJobToCompletion(t *testing.T) {
	payload := "converted audio"
	transport := &scriptedTransport{
		negotiation: remote.Negotiation{TotalBytes: int64(len(payload)), TotalChunks: 1},
		stream: func() remote.ChunkStream {
			return &scriptedStream{chunks: []chunk.Chunk{encodedChunk(0, 1, payload)}}
		},
	}

	repo := newFakeRepo()
	mgr := newTestManager(t, transport, repo, 1)
	destDir := t.TempDir()

	localID := submitTestJob(mgr, destDir)

	select {
	case queued := <-mgr.Events().Queued:
		require.Equal(t, localID, queued)
	case <-time.After(time.Second):
		t.Fatal("no queued event")
	}

	select {
	case ev := <-mgr.Events().Completed:
		require.Equal(t, localID, ev.LocalID)
		require.Equal(t, filepath.Join(destDir, "track.mp3"), ev.Location)
	case <-time.After(2 * time.Second):
		t.Fatal("no completed event")
	}

	j, ok := mgr.Job(localID)
	require.True(t, ok)
	require.Equal(t, job.StatusCompleted, j.Status)
	require.Equal(t, 100, j.Progress)
	require.Equal(t, "srv-"+localID, j.ServerID)

	content, err := os.ReadFile(j.Location)
	require.NoError(t, err)
	require.Equal(t, payload, string(content))

	rec, ok := repo.result(localID)
	require.True(t, ok)
	require.Equal(t, string(job.StatusCompleted), rec.Status)
	require.Empty(t, rec.ErrorKind)
}

func TestManagerCancelWhileQueued(t *testing.T) {
	transport := &scriptedTransport{
		negotiateStarted: make(chan string, 2),
		negotiateRelease: make(chan struct{}),
		stream: func() remote.ChunkStream {
			return &scriptedStream{}
		},
	}

	repo := newFakeRepo()
	mgr := newTestManager(t, transport, repo, 1)
	destDir := t.TempDir()

	first := submitTestJob(mgr, destDir)
	<-transport.negotiateStarted

	// The single slot is held, so the second job stays queued.
	second := submitTestJob(mgr, destDir)

	j, ok := mgr.Job(second)
	require.True(t, ok)
	require.Equal(t, job.StatusQueued, j.Status)

	mgr.Cancel(second)
	waitStatus(t, mgr, second, job.StatusCancelled)

	// A job that never reached the network has nothing to cancel remotely.
	require.Empty(t, transport.cancelledIDs())

	close(transport.negotiateRelease)
	waitStatus(t, mgr, first, job.StatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx))
}

func TestManagerCancelActiveJobIssuesRemoteCancel(t *testing.T) {
	transport := &scriptedTransport{
		negotiation: remote.Negotiation{TotalBytes: 1000, TotalChunks: 10},
		stream: func() remote.ChunkStream {
			return &scriptedStream{block: true}
		},
	}

	repo := newFakeRepo()
	mgr := newTestManager(t, transport, repo, 1)

	localID := submitTestJob(mgr, t.TempDir())

	require.Eventually(t, func() bool {
		j, ok := mgr.Job(localID)

		return ok && j.ServerID != ""
	}, 2*time.Second, 5*time.Millisecond)

	mgr.Cancel(localID)
	waitStatus(t, mgr, localID, job.StatusCancelled)

	require.Eventually(t, func() bool {
		ids := transport.cancelledIDs()

		return len(ids) == 1 && ids[0] == "srv-"+localID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerCancelBeforeServerIDIsDrainedAfterHandshake(t *testing.T) {
	transport := &scriptedTransport{
		negotiation:      remote.Negotiation{TotalBytes: 1000, TotalChunks: 10},
		negotiateStarted: make(chan string, 1),
		negotiateRelease: make(chan struct{}),
		stream: func() remote.ChunkStream {
			return &scriptedStream{block: true}
		},
	}

	repo := newFakeRepo()
	mgr := newTestManager(t, transport, repo, 1)

	localID := submitTestJob(mgr, t.TempDir())
	<-transport.negotiateStarted

	// Cancel lands while the handshake is still in flight; no server id yet.
	mgr.Cancel(localID)

	j, ok := mgr.Job(localID)
	require.True(t, ok)
	require.Empty(t, j.ServerID)

	close(transport.negotiateRelease)

	waitStatus(t, mgr, localID, job.StatusCancelled)

	// Once the handshake assigned the id, the deferred remote cancel fires.
	require.Eventually(t, func() bool {
		ids := transport.cancelledIDs()

		return len(ids) == 1 && ids[0] == "srv-"+localID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerCancelUnknownAndTerminalAreNoOps(t *testing.T) {
	transport := &scriptedTransport{
		negotiation: remote.Negotiation{TotalBytes: 4, TotalChunks: 1},
		stream: func() remote.ChunkStream {
			return &scriptedStream{chunks: []chunk.Chunk{encodedChunk(0, 1, "data")}}
		},
	}

	repo := newFakeRepo()
	mgr := newTestManager(t, transport, repo, 1)

	mgr.Cancel("no-such-job")

	localID := submitTestJob(mgr, t.TempDir())
	waitStatus(t, mgr, localID, job.StatusCompleted)

	mgr.Cancel(localID)

	j, _ := mgr.Job(localID)
	require.Equal(t, job.StatusCompleted, j.Status)
	require.Empty(t, transport.cancelledIDs())
}

func TestManagerDeleteForgetsJob(t *testing.T) {
	transport := &scriptedTransport{
		negotiateStarted: make(chan string, 1),
		negotiateRelease: make(chan struct{}),
		stream: func() remote.ChunkStream {
			return &scriptedStream{}
		},
	}

	repo := newFakeRepo()
	mgr := newTestManager(t, transport, repo, 1)

	localID := submitTestJob(mgr, t.TempDir())
	<-transport.negotiateStarted

	mgr.Delete(localID)

	_, ok := mgr.Job(localID)
	require.False(t, ok)

	repo.mu.Lock()
	deleted := append([]string(nil), repo.deleted...)
	repo.mu.Unlock()
	require.Contains(t, deleted, localID)

	close(transport.negotiateRelease)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx))
}

func TestManagerDeleteClearsCorrelationState(t *testing.T) {
	transport := &scriptedTransport{
		negotiation: remote.Negotiation{TotalBytes: 1000, TotalChunks: 10},
		stream: func() remote.ChunkStream {
			return &scriptedStream{block: true}
		},
	}

	repo := newFakeRepo()
	mgr := newTestManager(t, transport, repo, 1)

	localID := submitTestJob(mgr, t.TempDir())

	require.Eventually(t, func() bool {
		j, ok := mgr.Job(localID)

		return ok && j.ServerID != ""
	}, 2*time.Second, 5*time.Millisecond)

	mgr.Delete(localID)

	_, ok := mgr.Job(localID)
	require.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx))

	// Nothing keyed by the job may survive its deletion.
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	require.Empty(t, mgr.jobs)
	require.Empty(t, mgr.sessions)
	require.Empty(t, mgr.pendingCancel)
	require.Empty(t, mgr.marks)
}

func TestManagerCancelAll(t *testing.T) {
	transport := &scriptedTransport{
		negotiation: remote.Negotiation{TotalBytes: 1000, TotalChunks: 10},
		stream: func() remote.ChunkStream {
			return &scriptedStream{block: true}
		},
	}

	repo := newFakeRepo()
	stagingDir := t.TempDir()
	mgr := NewManager(context.Background(), transport, nil, repo, nil, Config{
		MaxActive:           2,
		ProgressMinInterval: time.Millisecond,
		StagingDir:          stagingDir,
		Session:             session.Config{DefaultMethod: session.MethodPush},
	})

	// With nothing queued there is nothing to do.
	mgr.CancelAll()

	destDir := t.TempDir()
	ids := []string{
		submitTestJob(mgr, destDir),
		submitTestJob(mgr, destDir),
	}

	for _, id := range ids {
		localID := id

		require.Eventually(t, func() bool {
			j, ok := mgr.Job(localID)

			return ok && j.ServerID != ""
		}, 2*time.Second, 5*time.Millisecond)
	}

	mgr.CancelAll()

	for _, id := range ids {
		waitStatus(t, mgr, id, job.StatusCancelled)
	}

	require.Eventually(t, func() bool {
		return len(transport.cancelledIDs()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx))

	// Partial files went with their jobs.
	entries, err := os.ReadDir(stagingDir)
	require.NoError(t, err)
	require.Empty(t, entries)

	// Everything is terminal now, so a second sweep touches nothing.
	mgr.CancelAll()
	require.Len(t, transport.cancelledIDs(), 2)
}

func TestManagerRespectsMaxActive(t *testing.T) {
	transport := &scriptedTransport{
		negotiation: remote.Negotiation{TotalBytes: 4, TotalChunks: 1},
		stream: func() remote.ChunkStream {
			return &scriptedStream{chunks: []chunk.Chunk{encodedChunk(0, 1, "data")}}
		},
		negotiateRelease: make(chan struct{}),
		negotiateStarted: make(chan string, 3),
	}

	repo := newFakeRepo()
	mgr := newTestManager(t, transport, repo, 1)
	destDir := t.TempDir()

	ids := []string{
		submitTestJob(mgr, destDir),
		submitTestJob(mgr, destDir),
		submitTestJob(mgr, destDir),
	}

	// Only one negotiation may be in flight at a time.
	<-transport.negotiateStarted
	close(transport.negotiateRelease)

	for _, id := range ids {
		waitStatus(t, mgr, id, job.StatusCompleted)
	}

	transport.mu.Lock()
	peak := transport.peakInFlight
	transport.mu.Unlock()
	require.Equal(t, 1, peak)
}

func TestManagerProgressIsMonotonic(t *testing.T) {
	transport := &scriptedTransport{
		negotiateStarted: make(chan string, 1),
		negotiateRelease: make(chan struct{}),
		stream: func() remote.ChunkStream {
			return &scriptedStream{}
		},
	}

	repo := newFakeRepo()
	mgr := NewManager(context.Background(), transport, nil, repo, nil, Config{
		MaxActive:           1,
		ProgressMinInterval: time.Hour,
		StagingDir:          t.TempDir(),
		Session:             session.Config{DefaultMethod: session.MethodPush},
	})

	localID := submitTestJob(mgr, t.TempDir())
	<-transport.negotiateStarted

	drainProgress := func() []int {
		var got []int

		for {
			select {
			case ev := <-mgr.Events().Progress:
				got = append(got, ev.Percent)
			default:
				return got
			}
		}
	}

	mgr.Progress(localID, 10)
	require.Equal(t, []int{10}, drainProgress())

	// A regression is dropped entirely.
	mgr.Progress(localID, 5)
	require.Empty(t, drainProgress())

	// Inside the throttle window nothing is forwarded.
	mgr.Progress(localID, 20)
	require.Empty(t, drainProgress())

	// The terminal update always goes through.
	mgr.Progress(localID, 100)
	require.Equal(t, []int{100}, drainProgress())

	close(transport.negotiateRelease)
	mgr.Cancel(localID)
	waitStatus(t, mgr, localID, job.StatusCancelled)
}

func TestManagerFailedJobEmitsClassifiedEvent(t *testing.T) {
	transport := &scriptedTransport{
		negotiation: remote.Negotiation{TotalBytes: 100, TotalChunks: 3},
		stream: func() remote.ChunkStream {
			// Chunk 1 goes missing, which is fatal.
			return &scriptedStream{chunks: []chunk.Chunk{
				encodedChunk(0, 3, "data"),
				encodedChunk(2, 3, "gap"),
			}}
		},
	}

	repo := newFakeRepo()
	mgr := newTestManager(t, transport, repo, 1)

	localID := submitTestJob(mgr, t.TempDir())

	select {
	case ev := <-mgr.Events().Failed:
		require.Equal(t, localID, ev.LocalID)
		require.Equal(t, job.KindChunkIntegrity, ev.Kind)
		require.NotEmpty(t, ev.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no failed event")
	}

	j, _ := mgr.Job(localID)
	require.Equal(t, job.StatusFailed, j.Status)
	require.Equal(t, job.KindChunkIntegrity, j.ErrorKind)

	rec, ok := repo.result(localID)
	require.True(t, ok)
	require.Equal(t, job.KindChunkIntegrity, rec.ErrorKind)
}
