// Package ffmpeg grabs still frames from video streams with the ffmpeg binary.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// CheckInstalled returns an error when the ffmpeg binary is not on PATH.
func CheckInstalled() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg is not installed: %w", err)
	}
	return nil
}

// SnapshotArgs builds the ffmpeg arguments that read one frame from streamURL
// and write it to stdout as a JPEG.
func SnapshotArgs(streamURL string, width, height, quality int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", streamURL,
		"-frames:v", "1",
	}
	if width > 0 && height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
	}
	args = append(args,
		"-q:v", strconv.Itoa(QScale(quality)),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
	return args
}

// QScale maps a JPEG quality (1-100, higher is better) to the ffmpeg mjpeg
// scale (2-31, lower is better). Zero means quality 85.
func QScale(quality int) int {
	if quality <= 0 {
		quality = 85
	}
	if quality > 100 {
		quality = 100
	}
	return 31 - (quality*29)/100
}

// Snapshot runs ffmpeg until it wrote one frame. The process is killed when
// ctx is done.
func Snapshot(ctx context.Context, streamURL string, width, height, quality int) ([]byte, error) {
	if err := CheckInstalled(); err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", SnapshotArgs(streamURL, width, height, quality)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg returned no frame")
	}
	return stdout.Bytes(), nil
}
