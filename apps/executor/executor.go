// Package executor runs cloud commands on the camera: it captures snapshots,
// uploads them, reports status and acknowledges every command.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/heysalad/laura-camera-client/drivers/camera"
	"github.com/heysalad/laura-camera-client/internal/heartbeat"
	"github.com/heysalad/laura-camera-client/pkg/model"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
)

// Uplink is the part of the sync client the executor reports through.
type Uplink interface {
	CaptureAndUpload(ctx context.Context, photo []byte, commandID string, metadata map[string]interface{}) (*model.PhotoReport, error)
	RetryNotify(ctx context.Context, pending *model.PendingPhoto) (*model.PhotoReport, error)
	SendStatus(ctx context.Context, report model.StatusReport) error
	Acknowledge(ctx context.Context, cmd model.Command, status model.AckStatus, result map[string]interface{}) error
}

type ImageSource interface {
	ExtractImage(opts camera.CaptureOptions) (*camera.Image, error)
	Commit(transactionId string) error
}

type Config struct {
	Defaults      camera.CaptureOptions
	NotifyRetries int           // RetryNotify attempts after a NotifyFailed upload
	RetryDelay    time.Duration // pause between RetryNotify attempts
}

type Executor struct {
	uplink Uplink
	source ImageSource
	status heartbeat.StatusSource
	config Config
	clock  clock.Clock
	// OnReboot is called after a reboot command was acknowledged.
	OnReboot func()
	log      *log.Entry
}

func New(uplink Uplink, source ImageSource, status heartbeat.StatusSource, config Config) *Executor {
	if config.NotifyRetries < 0 {
		config.NotifyRetries = 0
	}
	return &Executor{
		uplink: uplink,
		source: source,
		status: status,
		config: config,
		clock:  clock.New(),
		log:    log.WithField("app", "executor"),
	}
}

// SetUplink binds the executor to the client it reports through.
func (e *Executor) SetUplink(uplink Uplink) {
	e.uplink = uplink
}

// SetClock replaces the clock that paces notify retries.
func (e *Executor) SetClock(clk clock.Clock) {
	e.clock = clk
}

// kindSavePhoto is accepted as an alias of capture_photo.
const kindSavePhoto model.CommandKind = "save_photo"

var errUnsupported = errors.New("unsupported command")

// Handle executes cmd and acknowledges it. It matches the sync client's
// command handler signature.
func (e *Executor) Handle(ctx context.Context, cmd model.Command) {
	e.log.Infof("Executing command %s (%s)", cmd.ID, cmd.Kind)
	if !cmd.Kind.Known() && cmd.Kind != kindSavePhoto {
		e.fail(ctx, cmd, fmt.Errorf("%w %s", errUnsupported, cmd.Kind))
		return
	}
	var result map[string]interface{}
	var err error
	switch cmd.Kind {
	case model.KindCapturePhoto, kindSavePhoto:
		result, err = e.capture(ctx, cmd)
	case model.KindGetStatus:
		result, err = e.reportStatus(ctx)
	case model.KindReboot:
		e.ack(ctx, cmd, model.AckCompleted, map[string]interface{}{"message": "rebooting"})
		if e.OnReboot != nil {
			e.OnReboot()
		}
		return
	case model.KindStartVideo, model.KindStopVideo:
		err = fmt.Errorf("%w %s: no video on this camera", errUnsupported, cmd.Kind)
	}
	if err != nil {
		e.fail(ctx, cmd, err)
		return
	}
	e.ack(ctx, cmd, model.AckCompleted, result)
}

// fail acknowledges cmd as failed. The result tells the dashboard whether the
// command is unsupported or which upload stage broke.
func (e *Executor) fail(ctx context.Context, cmd model.Command, err error) {
	e.log.Warnf("Command %s failed : %s", cmd.ID, err.Error())
	result := map[string]interface{}{"error": err.Error()}
	switch {
	case errors.Is(err, errUnsupported):
		result["unsupported"] = true
	case model.IsStorageFailed(err):
		result["stage"] = "storage"
	case model.IsNotifyFailed(err):
		result["stage"] = "notify"
	}
	e.ack(ctx, cmd, model.AckFailed, result)
}

func (e *Executor) ack(ctx context.Context, cmd model.Command, status model.AckStatus, result map[string]interface{}) {
	if err := e.uplink.Acknowledge(ctx, cmd, status, result); err != nil {
		e.log.Warnf("Command %s acknowledgement failed : %s", cmd.ID, err.Error())
	}
}

// DecodeOptions overlays the command payload on the defaults. Numbers sent as
// strings are accepted.
func DecodeOptions(defaults camera.CaptureOptions, payload map[string]interface{}) (camera.CaptureOptions, error) {
	opts := defaults
	if len(payload) == 0 {
		return opts, nil
	}
	if err := mapstructure.WeakDecode(payload, &opts); err != nil {
		return defaults, fmt.Errorf("invalid capture options: %w", err)
	}
	return opts, nil
}

func (e *Executor) capture(ctx context.Context, cmd model.Command) (map[string]interface{}, error) {
	opts, err := DecodeOptions(e.config.Defaults, cmd.Payload)
	if err != nil {
		return nil, err
	}
	img, err := e.source.ExtractImage(opts)
	if err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}
	metadata := map[string]interface{}{
		"quality": opts.Quality,
		"source":  string(cmd.Source),
	}
	if opts.Width > 0 && opts.Height > 0 {
		metadata["resolution"] = fmt.Sprintf("%dx%d", opts.Width, opts.Height)
	}

	report, err := e.uplink.CaptureAndUpload(ctx, img.Body, cmd.ID, metadata)
	if model.IsNotifyFailed(err) {
		var upErr *model.UploadError
		errors.As(err, &upErr)
		report, err = e.retryNotify(ctx, upErr.Pending, err)
	}
	if err != nil {
		return nil, err
	}
	if img.TransactionId != "" {
		if err := e.source.Commit(img.TransactionId); err != nil {
			e.log.Warnf("Commit of %s failed : %s", img.TransactionId, err.Error())
		}
	}
	return map[string]interface{}{"photo_url": report.StorageURL, "size_bytes": report.SizeBytes}, nil
}

// retryNotify resumes an upload whose bytes are already stored.
func (e *Executor) retryNotify(ctx context.Context, pending *model.PendingPhoto, lastErr error) (*model.PhotoReport, error) {
	for attempt := 1; attempt <= e.config.NotifyRetries; attempt++ {
		select {
		case <-e.clock.After(e.config.RetryDelay):
		case <-ctx.Done():
			return nil, lastErr
		}
		report, err := e.uplink.RetryNotify(ctx, pending)
		if err == nil {
			return report, nil
		}
		e.log.Warnf("Notify retry %d/%d for %s failed : %s", attempt, e.config.NotifyRetries, pending.StorageURL, err.Error())
		lastErr = err
	}
	return nil, lastErr
}

func (e *Executor) reportStatus(ctx context.Context) (map[string]interface{}, error) {
	report := e.status(ctx)
	if err := e.uplink.SendStatus(ctx, report); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": string(report.State), "battery_level": report.BatteryPercent}, nil
}
