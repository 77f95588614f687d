package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/heysalad/laura-camera-client/internal/transport"
	"github.com/heysalad/laura-camera-client/pkg/model"
)

type staticIdentity string

func (s staticIdentity) DurableID() (string, bool) { return string(s), s != "" }

type fakeBackend struct {
	mux          sync.Mutex
	storeStatus  int
	notifyStatus int
	stored       []string
	storedBody   [][]byte
	notified     []notifyRequest
	notifyPaths  []string
}

func (b *fakeBackend) start(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mux.Lock()
		defer b.mux.Unlock()
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.HasPrefix(r.URL.Path, "/storage/"):
			if r.Header.Get("Content-Type") != "image/jpeg" {
				t.Errorf("Unexpected content type %s", r.Header.Get("Content-Type"))
			}
			b.stored = append(b.stored, r.URL.Path)
			b.storedBody = append(b.storedBody, body)
			w.WriteHeader(b.storeStatus)
		case strings.HasPrefix(r.URL.Path, "/api/cameras/"):
			var req notifyRequest
			json.Unmarshal(body, &req)
			b.notified = append(b.notified, req)
			b.notifyPaths = append(b.notifyPaths, r.URL.Path)
			w.WriteHeader(b.notifyStatus)
			w.Write([]byte(`{}`))
		default:
			t.Errorf("Unexpected request %s", r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newPipeline(url string, identity IdentitySource, clk clock.Clock) *Pipeline {
	settings := Settings{
		ShortID:        "CAM001",
		APIBaseURL:     url,
		StorageBaseURL: url + "/storage/",
		StorageBucket:  "camera-photos",
	}
	return NewPipeline(transport.NewHTTPClient("key", time.Second, nil), settings, identity, clk)
}

func TestCaptureAndUpload(t *testing.T) {
	backend := &fakeBackend{storeStatus: http.StatusOK, notifyStatus: http.StatusCreated}
	server := backend.start(t)
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1700000000000))
	pipeline := newPipeline(server.URL, staticIdentity("abc-123"), clk)

	report, err := pipeline.CaptureAndUpload(context.Background(), []byte("jpeg"), "cmd-1", map[string]interface{}{"quality": 85})
	if err != nil {
		t.Fatalf("Can't upload photo. Unexpected error: %v", err)
	}
	wantURL := server.URL + "/storage/public/camera-photos/CAM001/1700000000000.jpg"
	if report.StorageURL != wantURL {
		t.Errorf("Expected %s, got %s", wantURL, report.StorageURL)
	}
	if report.SizeBytes != 4 || report.CommandID != "cmd-1" {
		t.Errorf("Unexpected report %+v", report)
	}
	if len(backend.stored) != 1 || backend.stored[0] != "/storage/camera-photos/CAM001/1700000000000.jpg" {
		t.Errorf("Unexpected storage writes %v", backend.stored)
	}
	if len(backend.notifyPaths) != 1 || backend.notifyPaths[0] != "/api/cameras/abc-123/photos" {
		t.Errorf("Notify must use the durable id, got %v", backend.notifyPaths)
	}
	if backend.notified[0].PhotoURL != wantURL || backend.notified[0].CommandID != "cmd-1" {
		t.Errorf("Unexpected notify body %+v", backend.notified[0])
	}
}

func TestStorageFailureSkipsNotify(t *testing.T) {
	backend := &fakeBackend{storeStatus: http.StatusInternalServerError, notifyStatus: http.StatusCreated}
	server := backend.start(t)
	pipeline := newPipeline(server.URL, staticIdentity("abc-123"), nil)

	_, err := pipeline.CaptureAndUpload(context.Background(), []byte("jpeg"), "", nil)
	if !model.IsStorageFailed(err) {
		t.Errorf("Expected a storage failure, got %v", err)
	}
	if len(backend.notified) != 0 {
		t.Errorf("Notify must not run after a storage failure")
	}
}

func TestEmptyPhotoIsStorageFailure(t *testing.T) {
	backend := &fakeBackend{storeStatus: http.StatusOK, notifyStatus: http.StatusCreated}
	server := backend.start(t)
	pipeline := newPipeline(server.URL, staticIdentity("abc-123"), nil)

	_, err := pipeline.CaptureAndUpload(context.Background(), nil, "", nil)
	if !model.IsStorageFailed(err) {
		t.Errorf("Expected a storage failure, got %v", err)
	}
	if len(backend.stored) != 0 {
		t.Errorf("Nothing should be stored for an empty photo")
	}
}

func TestNotifyFailureThenRetry(t *testing.T) {
	backend := &fakeBackend{storeStatus: http.StatusOK, notifyStatus: http.StatusBadGateway}
	server := backend.start(t)
	pipeline := newPipeline(server.URL, staticIdentity("abc-123"), nil)

	_, err := pipeline.CaptureAndUpload(context.Background(), []byte("jpeg"), "cmd-2", nil)
	var upErr *model.UploadError
	if !errors.As(err, &upErr) || upErr.Kind != model.NotifyFailed {
		t.Fatalf("Expected a notify failure, got %v", err)
	}
	if upErr.Pending == nil || upErr.StorageURL == "" || upErr.Pending.StorageURL != upErr.StorageURL {
		t.Fatalf("Notify failure must carry the stored photo, got %+v", upErr)
	}

	backend.mux.Lock()
	backend.notifyStatus = http.StatusCreated
	backend.mux.Unlock()

	report, err := pipeline.RetryNotify(context.Background(), upErr.Pending)
	if err != nil {
		t.Fatalf("Can't retry notify. Unexpected error: %v", err)
	}
	if report.StorageURL != upErr.StorageURL {
		t.Errorf("Expected %s, got %s", upErr.StorageURL, report.StorageURL)
	}
	if len(backend.stored) != 1 {
		t.Errorf("Retry must not store the photo again, got %d writes", len(backend.stored))
	}
	if len(backend.notified) != 2 {
		t.Errorf("Expected two notify attempts, got %d", len(backend.notified))
	}
}

func TestRetryNotifyWithoutPhoto(t *testing.T) {
	pipeline := newPipeline("http://127.0.0.1:1", staticIdentity("abc-123"), nil)
	if _, err := pipeline.RetryNotify(context.Background(), nil); err == nil {
		t.Errorf("Expected an error for a nil pending photo")
	}
}

func TestUploadRequiresRegistration(t *testing.T) {
	backend := &fakeBackend{storeStatus: http.StatusOK, notifyStatus: http.StatusCreated}
	server := backend.start(t)
	pipeline := newPipeline(server.URL, staticIdentity(""), nil)

	_, err := pipeline.CaptureAndUpload(context.Background(), []byte("jpeg"), "", nil)
	var idErr *model.IdentityError
	if !errors.As(err, &idErr) || !errors.Is(err, model.ErrUnregistered) {
		t.Errorf("Expected an unregistered identity error, got %v", err)
	}
	if len(backend.stored) != 0 {
		t.Errorf("Nothing should be stored before registration")
	}
}

func TestStampsStrictlyIncrease(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(5000))
	pipeline := newPipeline("http://127.0.0.1:1", staticIdentity("abc-123"), clk)

	first := pipeline.nextStamp()
	second := pipeline.nextStamp()
	if first != 5000 || second != 5001 {
		t.Errorf("Expected 5000 and 5001, got %d and %d", first, second)
	}
	clk.Add(time.Second)
	if third := pipeline.nextStamp(); third != 6000 {
		t.Errorf("Expected 6000, got %d", third)
	}
}
