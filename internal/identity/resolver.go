// Package identity maps the operator-assigned camera label to the id the
// control API assigned to it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/heysalad/laura-camera-client/internal"
	"github.com/heysalad/laura-camera-client/internal/transport"
	"github.com/heysalad/laura-camera-client/pkg/model"
	log "github.com/sirupsen/logrus"
)

// Registration is the camera description sent with the registration request.
type Registration struct {
	ShortID         string
	Name            string
	DeviceType      string
	FirmwareVersion string
}

type registrationRequest struct {
	CameraID        string `json:"camera_id"`
	CameraName      string `json:"camera_name"`
	DeviceType      string `json:"device_type,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

type registrationResponse struct {
	Camera *struct {
		ID string `json:"id"`
	} `json:"camera"`
}

// Resolver resolves and caches the durable id of one camera. The cached value
// never changes once set; a reconfigured client builds a new Resolver.
type Resolver struct {
	requester transport.Requester
	apiBase   string
	reg       Registration

	flight sync.Mutex // one registration request at a time
	mux    sync.RWMutex
	id     string
	log    *log.Entry
}

// NewResolver creates a resolver. A non-empty knownID seeds the cache and no
// registration request is ever made.
func NewResolver(requester transport.Requester, apiBase string, reg Registration, knownID string) *Resolver {
	return &Resolver{
		requester: requester,
		apiBase:   apiBase,
		reg:       reg,
		id:        knownID,
		log:       log.WithFields(log.Fields{"component": "identity", "camera": reg.ShortID}),
	}
}

// DurableID returns the cached id, if any.
func (r *Resolver) DurableID() (string, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.id, r.id != ""
}

func (r *Resolver) Identity() model.DeviceIdentity {
	id, _ := r.DurableID()
	return model.DeviceIdentity{ShortID: r.reg.ShortID, DurableID: id}
}

// Resolve returns the durable id for shortID, registering the camera on the
// first call. Failures leave the cache empty so the next call retries.
func (r *Resolver) Resolve(ctx context.Context, shortID string) (string, error) {
	if shortID != r.reg.ShortID {
		return "", &model.IdentityError{ShortID: shortID, Err: fmt.Errorf("resolver is bound to camera %q", r.reg.ShortID)}
	}
	if id, ok := r.DurableID(); ok {
		return id, nil
	}

	r.flight.Lock()
	defer r.flight.Unlock()
	// another caller may have finished while we waited
	if id, ok := r.DurableID(); ok {
		return id, nil
	}

	id, err := r.register(ctx)
	if err != nil {
		r.log.Warnf("Camera registration failed : %s", err.Error())
		return "", &model.IdentityError{ShortID: shortID, Err: err}
	}
	r.mux.Lock()
	r.id = id
	r.mux.Unlock()
	r.log.Infof("Camera registered with id %s", id)
	return id, nil
}

func (r *Resolver) register(ctx context.Context) (string, error) {
	name := r.reg.Name
	if name == "" {
		name = r.reg.ShortID
	}
	body := registrationRequest{
		CameraID:        r.reg.ShortID,
		CameraName:      name,
		DeviceType:      r.reg.DeviceType,
		FirmwareVersion: r.reg.FirmwareVersion,
	}
	var resp registrationResponse
	_, err := transport.DoJSON(ctx, r.requester, http.MethodPost, internal.RegistrationURL(r.apiBase), body, &resp)
	if err != nil {
		var statusErr *transport.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
			return "", fmt.Errorf("camera id conflict: %w", err)
		}
		return "", err
	}
	if resp.Camera == nil || strings.TrimSpace(resp.Camera.ID) == "" {
		return "", errors.New("registration response carries no camera id")
	}
	return resp.Camera.ID, nil
}
