// Package camera_sync keeps one camera connected to the cloud control API:
// registration, command delivery, photo upload and status reporting.
package camera_sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/heysalad/laura-camera-client/integrations"
	"github.com/heysalad/laura-camera-client/internal"
	"github.com/heysalad/laura-camera-client/internal/channel"
	"github.com/heysalad/laura-camera-client/internal/heartbeat"
	"github.com/heysalad/laura-camera-client/internal/identity"
	"github.com/heysalad/laura-camera-client/internal/transport"
	"github.com/heysalad/laura-camera-client/internal/upload"
	"github.com/heysalad/laura-camera-client/pkg/model"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Event bus topics.
const (
	TopicChannelState = "channel_state"
	TopicPhoto        = "photo"
	TopicStatus       = "status"
	TopicRegistered   = "registered"
)

// StateChange is the payload of TopicChannelState events.
type StateChange struct {
	From model.ChannelState
	To   model.ChannelState
}

// Settings is the configuration captured by Configure. It is never mutated;
// Configure replaces it.
type Settings struct {
	Camera    internal.CameraConfig
	Endpoints internal.EndpointConfig
	Key       string
}

// wiring is the set of components built from one Settings value.
type wiring struct {
	settings  Settings
	requester transport.Requester
	resolver  *identity.Resolver
	uploader  *upload.Pipeline
}

type statusRequest struct {
	BatteryLevel    int                    `json:"battery_level"`
	WifiSignal      int                    `json:"wifi_signal"`
	Status          model.CameraState      `json:"status"`
	LocationLat     *float64               `json:"location_lat,omitempty"`
	LocationLon     *float64               `json:"location_lon,omitempty"`
	FirmwareVersion string                 `json:"firmware_version,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

type ackRequest struct {
	Status model.AckStatus         `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
}

// Client is the camera synchronization client.
type Client struct {
	*integrations.BaseIntegration

	clock          clock.Clock
	httpClient     *http.Client
	requester      transport.Requester
	dialer         transport.Dialer
	statusSource   heartbeat.StatusSource
	handler        CommandHandler
	statusInterval time.Duration
	commandTimeout time.Duration
	keepalive      time.Duration
	tuning         internal.ChannelTuning

	mux       sync.RWMutex
	wiring    *wiring
	channel   *channel.Channel
	heartbeat *heartbeat.Scheduler

	runMux sync.Mutex
	cancel context.CancelFunc

	session string
	log     *log.Entry
}

func New(opts ...Option) *Client {
	c := &Client{
		BaseIntegration: integrations.NewIntegration("camera_sync"),
		clock:           clock.New(),
		statusInterval:  internal.DefaultStatusIntervalMs * time.Millisecond,
		commandTimeout:  internal.DefaultCommandTimeoutMs * time.Millisecond,
		tuning:          internal.DefaultConfig().Channel,
		statusSource:    onlineStatus,
		session:         uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = transport.NewWebsocketDialer(c.commandTimeout)
	}
	c.log = log.WithFields(log.Fields{"component": "camera_sync", "session": c.session})
	return c
}

// NewFromConfig builds a configured client from the static config. key is
// the resolved credential.
func NewFromConfig(config internal.StaticConfig, key string, opts ...Option) (*Client, error) {
	opts = append([]Option{
		WithTimings(config.StatusInterval(), config.CommandTimeout()),
		WithChannelTuning(config.Channel),
		WithKeepalive(time.Duration(config.Channel.KeepaliveMs) * time.Millisecond),
	}, opts...)
	c := New(opts...)
	if err := c.Configure(config.Camera, config.Endpoints, internal.CredentialConfig{Key: key}); err != nil {
		return nil, err
	}
	return c, nil
}

func onlineStatus(ctx context.Context) model.StatusReport {
	return model.StatusReport{State: model.StateOnline, BatteryPercent: 100}
}

// Configure stores a new settings value. The identity cache starts empty
// again unless camera carries a pre-known durable id. It fails while the
// client is running.
func (c *Client) Configure(camera internal.CameraConfig, endpoints internal.EndpointConfig, credentials internal.CredentialConfig) error {
	if c.IsRunning() {
		return errors.New("client is running, stop it before reconfiguring")
	}
	if endpoints.StorageBucket == "" {
		endpoints.StorageBucket = internal.DefaultStorageBucket
	}
	if camera.DeviceType == "" {
		camera.DeviceType = internal.DefaultDeviceType
	}
	settings := Settings{Camera: camera, Endpoints: endpoints, Key: credentials.Key}

	requester := c.requester
	if requester == nil {
		requester = transport.NewHTTPClient(settings.Key, c.commandTimeout, c.httpClient)
	}
	resolver := identity.NewResolver(requester, endpoints.APIBaseURL, identity.Registration{
		ShortID:         camera.ShortID,
		Name:            camera.Name,
		DeviceType:      camera.DeviceType,
		FirmwareVersion: camera.FirmwareVersion,
	}, camera.DurableID)
	uploader := upload.NewPipeline(requester, upload.Settings{
		ShortID:        camera.ShortID,
		APIBaseURL:     endpoints.APIBaseURL,
		StorageBaseURL: endpoints.StorageBaseURL,
		StorageBucket:  endpoints.StorageBucket,
	}, resolver, c.clock)

	c.mux.Lock()
	c.wiring = &wiring{settings: settings, requester: requester, resolver: resolver, uploader: uploader}
	c.channel = nil
	c.log = log.WithFields(log.Fields{"component": "camera_sync", "camera": camera.ShortID, "session": c.session})
	c.mux.Unlock()
	c.logger().Infof("Client configured, api = %s, realtime = %s", endpoints.APIBaseURL, endpoints.RealtimeURL)
	return nil
}

func (c *Client) Settings() (Settings, bool) {
	w := c.current()
	if w == nil {
		return Settings{}, false
	}
	return w.settings, true
}

// IsConfigured reports whether every required option is present and well
// formed.
func (c *Client) IsConfigured() bool {
	return c.Validate() == nil
}

// Validate returns a *model.ConfigError naming every missing or malformed
// option.
func (c *Client) Validate() error {
	w := c.current()
	if w == nil {
		return internal.CheckRequired("", internal.EndpointConfig{}, "")
	}
	return internal.CheckRequired(w.settings.Camera.ShortID, w.settings.Endpoints, w.settings.Key)
}

// DurableID returns the server-assigned camera id once registration succeeded.
func (c *Client) DurableID() (string, bool) {
	w := c.current()
	if w == nil {
		return "", false
	}
	return w.resolver.DurableID()
}

// EnsureRegistered resolves the durable camera id. It is idempotent and only
// contacts the server until the first success.
func (c *Client) EnsureRegistered(ctx context.Context) bool {
	if err := c.Validate(); err != nil {
		c.logger().Warnf("Registration skipped : %s", err.Error())
		return false
	}
	w := c.current()
	_, known := w.resolver.DurableID()
	id, err := w.resolver.Resolve(ctx, w.settings.Camera.ShortID)
	if err != nil {
		return false
	}
	if !known {
		c.PublishEvent(TopicRegistered, model.DeviceIdentity{ShortID: w.settings.Camera.ShortID, DurableID: id})
		if hb := c.currentHeartbeat(); hb != nil {
			if err := hb.Flush(ctx); err != nil {
				c.logger().Warnf("Held status report not sent : %s", err.Error())
			}
		}
	}
	return true
}

// Start runs the client in the background. It implements the service
// Integration interface.
func (c *Client) Start() error {
	if err := c.Validate(); err != nil {
		return err
	}
	go func() {
		if err := c.Run(context.Background()); err != nil {
			c.logger().Errorf("Client stopped with error : %s", err.Error())
		}
	}()
	return nil
}

// Stop cancels Run. In-flight uploads finish on their own timeout.
func (c *Client) Stop() {
	c.runMux.Lock()
	cancel := c.cancel
	c.runMux.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run starts the heartbeat, registers the camera, opens the command channel
// and dispatches commands until ctx is done or Stop is called. Only a
// configuration error makes it return early.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Validate(); err != nil {
		c.logger().Errorf("Client can't be started : %s", err.Error())
		return err
	}
	c.runMux.Lock()
	if c.cancel != nil {
		c.runMux.Unlock()
		return errors.New("client is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.runMux.Unlock()
	c.SetRunning(true)
	defer func() {
		cancel()
		c.runMux.Lock()
		c.cancel = nil
		c.runMux.Unlock()
		c.SetRunning(false)
	}()

	hb := heartbeat.New(c.statusInterval, c.clock, c.statusSource, c, c.SendStatus)
	c.mux.Lock()
	c.heartbeat = hb
	c.mux.Unlock()

	c.logger().Info("Starting camera sync client")
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return hb.Run(gctx)
	})
	group.Go(func() error {
		return c.serveCommands(gctx)
	})
	err := group.Wait()
	c.logger().Info("Camera sync client stopped")
	return err
}

func (c *Client) serveCommands(ctx context.Context) error {
	if !c.registerWithRetry(ctx) {
		return nil
	}
	w := c.current()
	durableID, _ := w.resolver.DurableID()
	ch := channel.New(channel.Config{
		ShortID:              w.settings.Camera.ShortID,
		RealtimeURL:          w.settings.Endpoints.RealtimeURL,
		Key:                  w.settings.Key,
		CommandTimeout:       c.commandTimeout,
		StatusInterval:       c.statusInterval,
		KeepaliveInterval:    c.keepalive,
		MaxSubscribeAttempts: c.tuning.MaxSubscribeAttempts,
		DedupWindow:          c.tuning.DedupWindow,
		ResubscribeMax:       time.Duration(c.tuning.ResubscribeMaxMs) * time.Millisecond,
		Jitter:               c.tuning.Jitter,
		Clock:                c.clock,
		Observer:             c.onChannelState,
	}, c.dialer, channel.NewHTTPHistory(w.requester, w.settings.Endpoints.APIBaseURL, durableID))
	c.mux.Lock()
	c.channel = ch
	c.mux.Unlock()

	if err := ch.Start(ctx); err != nil {
		return err
	}
	defer ch.Close()

	if c.handler == nil {
		<-ctx.Done()
		return nil
	}
	// handlers keep running after shutdown until their own requests time out
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-ch.Commands():
			if !ok {
				return nil
			}
			c.dispatch(handlerCtx, c.handler, cmd)
		}
	}
}

// registerWithRetry retries EnsureRegistered until it succeeds or ctx is done.
func (c *Client) registerWithRetry(ctx context.Context) bool {
	initial := time.Second
	if c.commandTimeout < initial {
		initial = c.commandTimeout
	}
	retry := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(4*c.statusInterval),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(c.clock),
	)
	for {
		if c.EnsureRegistered(ctx) {
			return true
		}
		wait := retry.NextBackOff()
		c.logger().Warnf("Camera is not registered, next attempt in %s", wait)
		select {
		case <-c.clock.After(wait):
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Client) onChannelState(from, to model.ChannelState) {
	c.logger().Infof("Command channel %s -> %s", from, to)
	c.PublishEvent(TopicChannelState, StateChange{From: from, To: to})
}

func (c *Client) dispatch(ctx context.Context, handler CommandHandler, cmd model.Command) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().Errorf("Command %s handler crashed with error : %s", cmd.ID, string(debug.Stack()))
		}
	}()
	handler(ctx, cmd)
}

// ProcessPendingCommands hands every command available right now to handler
// and returns how many were handled. It never waits for new commands.
func (c *Client) ProcessPendingCommands(ctx context.Context, handler CommandHandler) int {
	ch := c.currentChannel()
	if ch == nil {
		return 0
	}
	handled := 0
	for {
		select {
		case cmd, ok := <-ch.Commands():
			if !ok {
				return handled
			}
			c.dispatch(ctx, handler, cmd)
			handled++
		default:
			return handled
		}
	}
}

// ChannelState returns the command channel state; unconfigured before the
// channel was created.
func (c *Client) ChannelState() model.ChannelState {
	ch := c.currentChannel()
	if ch == nil {
		return model.ChannelUnconfigured
	}
	return ch.State()
}

// CaptureAndUpload stores photo and registers it. See upload.Pipeline for the
// error contract.
func (c *Client) CaptureAndUpload(ctx context.Context, photo []byte, commandID string, metadata map[string]interface{}) (*model.PhotoReport, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	report, err := c.current().uploader.CaptureAndUpload(ctx, photo, commandID, metadata)
	if err != nil {
		return nil, err
	}
	c.photoDone(ctx, report)
	return report, nil
}

// RetryNotify registers a photo that was stored by a failed CaptureAndUpload.
func (c *Client) RetryNotify(ctx context.Context, pending *model.PendingPhoto) (*model.PhotoReport, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	report, err := c.current().uploader.RetryNotify(ctx, pending)
	if err != nil {
		return nil, err
	}
	c.photoDone(ctx, report)
	return report, nil
}

func (c *Client) photoDone(ctx context.Context, report *model.PhotoReport) {
	c.logger().Infof("Photo uploaded : %s", report.StorageURL)
	c.broadcast(ctx, channel.BroadcastPhoto, report)
	c.PublishEvent(TopicPhoto, *report)
}

// SendStatus posts report to the status endpoint and, when the live channel
// is up, broadcasts it.
func (c *Client) SendStatus(ctx context.Context, report model.StatusReport) error {
	if err := c.Validate(); err != nil {
		return err
	}
	w := c.current()
	durableID, ok := w.resolver.DurableID()
	if !ok {
		return &model.IdentityError{ShortID: w.settings.Camera.ShortID, Err: model.ErrUnregistered}
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = c.clock.Now()
	}
	if report.FirmwareVersion == "" {
		report.FirmwareVersion = w.settings.Camera.FirmwareVersion
	}
	body := statusRequest{
		BatteryLevel:    report.BatteryPercent,
		WifiSignal:      report.WifiSignal,
		Status:          report.State,
		FirmwareVersion: report.FirmwareVersion,
		Metadata: map[string]interface{}{
			"free_heap": report.FreeMemoryBytes,
			"timestamp": report.Timestamp.UTC().Format(time.RFC3339),
		},
	}
	if report.Location != nil {
		body.LocationLat = &report.Location.Lat
		body.LocationLon = &report.Location.Lon
	}
	url := internal.StatusURL(w.settings.Endpoints.APIBaseURL, durableID)
	if _, err := transport.DoJSON(ctx, w.requester, http.MethodPost, url, body, nil); err != nil {
		return fmt.Errorf("status report: %w", err)
	}
	c.broadcast(ctx, channel.BroadcastStatus, report)
	c.PublishEvent(TopicStatus, report)
	return nil
}

// Acknowledge reports the outcome of cmd. Polled commands carry database ids
// and are updated through the REST API; the outcome is also broadcast when
// the live channel is up.
func (c *Client) Acknowledge(ctx context.Context, cmd model.Command, status model.AckStatus, result map[string]interface{}) error {
	if err := c.Validate(); err != nil {
		return err
	}
	w := c.current()
	var err error
	if cmd.Source == model.SourcePoll {
		durableID, ok := w.resolver.DurableID()
		if !ok {
			return &model.IdentityError{ShortID: w.settings.Camera.ShortID, Err: model.ErrUnregistered}
		}
		url := internal.CommandAckURL(w.settings.Endpoints.APIBaseURL, durableID, cmd.ID)
		_, err = transport.DoJSON(ctx, w.requester, http.MethodPost, url, ackRequest{Status: status, Result: result}, nil)
		if err != nil {
			err = fmt.Errorf("acknowledge command %s: %w", cmd.ID, err)
		}
	}
	c.broadcast(ctx, channel.BroadcastResponse, model.Acknowledgement{CommandID: cmd.ID, Status: status, Result: result})
	return err
}

// Events subscribes to the client event bus. Unsubscribe with
// GetEventBus().Unsub.
func (c *Client) Events(topics ...string) chan integrations.Event {
	return c.GetEventBus().Sub(topics...)
}

// broadcast publishes on the live channel when it is subscribed. Failures
// only get logged; the REST calls are the source of truth.
func (c *Client) broadcast(ctx context.Context, event string, payload interface{}) {
	ch := c.currentChannel()
	if ch == nil || ch.State() != model.ChannelSubscribed {
		return
	}
	if err := ch.Publish(ctx, event, payload); err != nil {
		c.logger().Debugf("Broadcast %s not sent : %s", event, err.Error())
	}
}

func (c *Client) logger() *log.Entry {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.log
}

func (c *Client) current() *wiring {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.wiring
}

func (c *Client) currentChannel() *channel.Channel {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.channel
}

func (c *Client) currentHeartbeat() *heartbeat.Scheduler {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.heartbeat
}
