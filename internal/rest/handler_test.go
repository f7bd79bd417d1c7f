package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmoura/fetchq/internal/queue"
	"github.com/pmoura/fetchq/internal/remote"
	"github.com/pmoura/fetchq/internal/session"
	"github.com/pmoura/fetchq/internal/sink"
	"github.com/pmoura/fetchq/internal/storage"
)

// idleTransport parks every negotiation until the context is cancelled,
// keeping submitted jobs in flight for the duration of a test.
type idleTransport struct{}

func (idleTransport) Negotiate(ctx context.Context, nr remote.NegotiationRequest) (*remote.Negotiation, error) {
	<-ctx.Done()

	return nil, ctx.Err()
}

func (idleTransport) OpenPush(ctx context.Context, transferID string) (remote.ChunkStream, error) {
	return nil, ctx.Err()
}

func (idleTransport) OpenPull(ctx context.Context, transferID string) (remote.ChunkStream, error) {
	return nil, ctx.Err()
}

func (idleTransport) CancelTransfer(ctx context.Context, transferID string) error {
	return nil
}

// nopRepo satisfies storage.JobRepository without persisting anything.
type nopRepo struct{}

func (nopRepo) GetJobs() ([]storage.JobRecord, error)     { return nil, nil }
func (nopRepo) GetJob(string) (*storage.JobRecord, error) { return nil, storage.ErrNotFound }
func (nopRepo) TrackJob(storage.JobRecord) error          { return nil }
func (nopRepo) UpdateServerID(string, string) error       { return nil }
func (nopRepo) UpdateStatus(string, string) error         { return nil }
func (nopRepo) UpdateProgress(string, int) error          { return nil }
func (nopRepo) UpdateResult(_, _, _, _, _ string) error   { return nil }
func (nopRepo) DeleteJob(string) error                    { return nil }
func (nopRepo) PruneTerminal(string) (int64, error)       { return 0, nil }
func (nopRepo) FailInterrupted() (int64, error)           { return 0, nil }

func newTestHandler(t *testing.T) (*QueueHandler, *queue.Manager) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mgr := queue.NewManager(ctx, idleTransport{}, nil, nopRepo{}, nil, queue.Config{
		MaxActive:  1,
		StagingDir: t.TempDir(),
		Session:    session.Config{DefaultMethod: session.MethodPush},
	})

	handler := NewQueueHandler("user", "pass", mgr, sink.Target{
		Kind:      sink.KindFilesystem,
		Directory: t.TempDir(),
	})

	return handler, mgr
}

func doRequest(h *QueueHandler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer

	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.SetBasicAuth("user", "pass")

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	return rec
}

func TestHandleSubmitAndList(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/jobs", SubmitJobRequest{
		ResourceID: "res-1",
		Format:     "mp3",
		Quality:    "high",
		Title:      "Track",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted["local_id"])

	rec = doRequest(handler, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Jobs []JobResponse `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Jobs, 1)
	require.Equal(t, submitted["local_id"], listed.Jobs[0].LocalID)
	require.Equal(t, "res-1", listed.Jobs[0].ResourceID)
}

func TestHandleSubmitValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	tests := []struct {
		name string
		body SubmitJobRequest
	}{
		{
			name: "missing resource id",
			body: SubmitJobRequest{Format: "mp3"},
		},
		{
			name: "missing format",
			body: SubmitJobRequest{ResourceID: "res-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(handler, http.MethodPost, "/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleSubmitDestinationValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := map[string]any{
		"resource_id": "res-1",
		"format":      "mp3",
		"destination": map[string]string{"kind": "document"},
	}

	rec := doRequest(handler, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body["destination"] = map[string]string{"kind": "carrier-pigeon"}
	rec = doRequest(handler, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveTargetSanitizesFileName(t *testing.T) {
	handler, _ := newTestHandler(t)

	tests := []struct {
		name string
		req  SubmitJobRequest
		want string
	}{
		{
			name: "traversal in requested name",
			req: SubmitJobRequest{
				ResourceID:  "res-1",
				Format:      "mp3",
				Destination: &SubmitDestination{Kind: "filesystem", Directory: "/library", FileName: "../../escape.mp3"},
			},
			want: "escape.mp3",
		},
		{
			name: "separators in title",
			req:  SubmitJobRequest{ResourceID: "res-1", Format: "mp3", Title: "albums/hidden/track"},
			want: "track.mp3",
		},
		{
			name: "traversal in derived default name",
			req:  SubmitJobRequest{ResourceID: "../res-1", Format: "mp3"},
			want: "res-1.mp3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := handler.resolveTarget(&tt.req)
			require.NoError(t, err)
			require.Equal(t, tt.want, target.FileName)
		})
	}
}

func TestHandleGetJob(t *testing.T) {
	handler, mgr := newTestHandler(t)

	rec := doRequest(handler, http.MethodGet, "/jobs/no-such-job", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(handler, http.MethodPost, "/jobs", SubmitJobRequest{ResourceID: "res-1", Format: "mp3"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doRequest(handler, http.MethodGet, "/jobs/"+submitted["local_id"], nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, submitted["local_id"], got.LocalID)

	_, ok := mgr.Job(submitted["local_id"])
	require.True(t, ok)
}

func TestHandleCancelAndDelete(t *testing.T) {
	handler, mgr := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/jobs", SubmitJobRequest{ResourceID: "res-1", Format: "mp3"})

	var submitted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	localID := submitted["local_id"]

	rec = doRequest(handler, http.MethodPost, "/jobs/"+localID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Cancel is idempotent.
	rec = doRequest(handler, http.MethodPost, "/jobs/"+localID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(handler, http.MethodDelete, "/jobs/"+localID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := mgr.Job(localID)
	require.False(t, ok)
}

func TestHandleAction(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/jobs", SubmitJobRequest{ResourceID: "res-1", Format: "mp3"})

	var submitted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doRequest(handler, http.MethodPost, "/actions", ActionRequest{Action: "cancel:" + submitted["local_id"]})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(handler, http.MethodPost, "/actions", ActionRequest{Action: "reboot"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(handler, http.MethodPost, "/actions", ActionRequest{Action: "cancel:"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCleanup(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/queue/cleanup", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.SetBasicAuth("user", "wrong")
	rec = httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
