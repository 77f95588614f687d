package camera

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/heysalad/laura-camera-client/pkg/ffmpeg"
)

// RtspCameraDriver grabs a single frame from an RTSP stream through ffmpeg.
// address is host[:port]/path, without scheme or credentials.
type RtspCameraDriver struct {
	timeout time.Duration
}

func NewRtspCameraDriver() Driver {
	return &RtspCameraDriver{timeout: 15 * time.Second}
}

func rtspURL(address, username, password string) string {
	address = strings.TrimPrefix(address, "rtsp://")
	if username == "" {
		return "rtsp://" + address
	}
	return "rtsp://" + url.UserPassword(username, password).String() + "@" + address
}

func (cam *RtspCameraDriver) ExtractImage(address, username, password string, opts CaptureOptions) (*Image, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cam.timeout)
	defer cancel()
	body, err := ffmpeg.Snapshot(ctx, rtspURL(address, username, password), opts.Width, opts.Height, opts.Quality)
	if err != nil {
		return nil, err
	}
	return &Image{Body: body, Format: "image/jpeg"}, nil
}

func (cam *RtspCameraDriver) Ping(address string) bool {
	return ffmpeg.CheckInstalled() == nil
}

func (cam *RtspCameraDriver) Commit(transactionId string) error {
	return nil
}
