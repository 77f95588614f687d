// Package upload stores photos in object storage and registers them with the
// control API.
package upload

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/heysalad/laura-camera-client/internal"
	"github.com/heysalad/laura-camera-client/internal/transport"
	"github.com/heysalad/laura-camera-client/pkg/model"
	log "github.com/sirupsen/logrus"
)

type Settings struct {
	ShortID        string
	APIBaseURL     string
	StorageBaseURL string
	StorageBucket  string
}

// IdentitySource exposes the resolved durable camera id.
type IdentitySource interface {
	DurableID() (string, bool)
}

type notifyRequest struct {
	PhotoURL     string                 `json:"photo_url"`
	ThumbnailURL string                 `json:"thumbnail_url,omitempty"`
	CommandID    string                 `json:"command_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Pipeline runs store then notify. It never retries on its own; every request
// is bounded by the requester's timeout.
type Pipeline struct {
	requester transport.Requester
	settings  Settings
	identity  IdentitySource
	clock     clock.Clock

	stampMux  sync.Mutex
	lastStamp int64
	log       *log.Entry
}

func NewPipeline(requester transport.Requester, settings Settings, identity IdentitySource, clk clock.Clock) *Pipeline {
	if clk == nil {
		clk = clock.New()
	}
	return &Pipeline{
		requester: requester,
		settings:  settings,
		identity:  identity,
		clock:     clk,
		log:       log.WithFields(log.Fields{"component": "upload", "camera": settings.ShortID}),
	}
}

// CaptureAndUpload stores photo and registers its metadata. A storage failure
// returns an UploadError of kind StorageFailed and nothing is registered. A
// notify failure returns kind NotifyFailed with the pending photo that
// RetryNotify accepts.
func (p *Pipeline) CaptureAndUpload(ctx context.Context, photo []byte, commandID string, metadata map[string]interface{}) (*model.PhotoReport, error) {
	durableID, ok := p.identity.DurableID()
	if !ok {
		return nil, &model.IdentityError{ShortID: p.settings.ShortID, Err: model.ErrUnregistered}
	}
	if len(photo) == 0 {
		return nil, &model.UploadError{Kind: model.StorageFailed, Err: errors.New("empty photo")}
	}

	storageURL, err := p.Store(ctx, photo)
	if err != nil {
		p.log.Errorf("Photo storage failed : %s", err.Error())
		return nil, &model.UploadError{Kind: model.StorageFailed, Err: err}
	}
	pending := &model.PendingPhoto{
		StorageURL: storageURL,
		SizeBytes:  int64(len(photo)),
		CommandID:  commandID,
		Metadata:   metadata,
	}
	return p.notify(ctx, durableID, pending)
}

// Store writes the photo bytes and returns the public URL.
func (p *Pipeline) Store(ctx context.Context, photo []byte) (string, error) {
	path := internal.StoragePath(p.settings.ShortID, p.nextStamp())
	req := transport.Request{
		Method:      http.MethodPost,
		URL:         internal.StorageUploadURL(p.settings.StorageBaseURL, p.settings.StorageBucket, path),
		ContentType: "image/jpeg",
		Body:        photo,
	}
	if _, err := p.requester.Do(ctx, req); err != nil {
		return "", err
	}
	publicURL := internal.StoragePublicURL(p.settings.StorageBaseURL, p.settings.StorageBucket, path)
	p.log.Debugf("Photo stored at %s (%d bytes)", publicURL, len(photo))
	return publicURL, nil
}

// RetryNotify re-runs the metadata registration for a photo that is already
// stored. The bytes are not uploaded again.
func (p *Pipeline) RetryNotify(ctx context.Context, pending *model.PendingPhoto) (*model.PhotoReport, error) {
	if pending == nil || pending.StorageURL == "" {
		return nil, errors.New("nothing to notify")
	}
	durableID, ok := p.identity.DurableID()
	if !ok {
		return nil, &model.IdentityError{ShortID: p.settings.ShortID, Err: model.ErrUnregistered}
	}
	return p.notify(ctx, durableID, pending)
}

func (p *Pipeline) notify(ctx context.Context, durableID string, pending *model.PendingPhoto) (*model.PhotoReport, error) {
	body := notifyRequest{
		PhotoURL:     pending.StorageURL,
		ThumbnailURL: pending.ThumbnailURL,
		CommandID:    pending.CommandID,
		Metadata:     pending.Metadata,
	}
	_, err := transport.DoJSON(ctx, p.requester, http.MethodPost, internal.PhotosURL(p.settings.APIBaseURL, durableID), body, nil)
	if err != nil {
		p.log.Errorf("Photo notify failed for %s : %s", pending.StorageURL, err.Error())
		return nil, &model.UploadError{Kind: model.NotifyFailed, StorageURL: pending.StorageURL, Pending: pending, Err: err}
	}
	return &model.PhotoReport{
		CommandID:    pending.CommandID,
		StorageURL:   pending.StorageURL,
		ThumbnailURL: pending.ThumbnailURL,
		SizeBytes:    pending.SizeBytes,
		Metadata:     pending.Metadata,
	}, nil
}

// nextStamp returns the local time in milliseconds, bumped so that two
// uploads in the same process never share a path.
func (p *Pipeline) nextStamp() int64 {
	p.stampMux.Lock()
	defer p.stampMux.Unlock()
	stamp := p.clock.Now().UnixMilli()
	if stamp <= p.lastStamp {
		stamp = p.lastStamp + 1
	}
	p.lastStamp = stamp
	return stamp
}
