package camera

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxImageSize bounds snapshot reads. Camera snapshots are a few hundred KB.
const maxImageSize = 16 << 20

type Image struct {
	Body          []byte
	Format        string
	TransactionId string
}

// CaptureOptions are the per-command capture parameters. Zero values mean the
// camera default.
type CaptureOptions struct {
	Quality int `mapstructure:"quality"`
	Width   int `mapstructure:"width"`
	Height  int `mapstructure:"height"`
}

type DriverConstructor func() Driver

type Driver interface {
	ExtractImage(address, username, password string, opts CaptureOptions) (*Image, error)
	Ping(address string) bool
	// Commit is called once the image was uploaded.
	Commit(transactionId string) error
}

// readJpeg reads a snapshot response and checks it is a JPEG.
func readJpeg(resp *http.Response) (*Image, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("camera api returned error code %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxImageSize {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", maxImageSize)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "image/jpeg") {
		return nil, fmt.Errorf("incompatible content type %s", contentType)
	}
	return &Image{Body: body, Format: "image/jpeg"}, nil
}

// withQuery appends query parameters to a snapshot address.
func withQuery(address string, params ...string) string {
	var pairs []string
	for i := 0; i+1 < len(params); i += 2 {
		if params[i+1] != "" && params[i+1] != "0" {
			pairs = append(pairs, params[i]+"="+params[i+1])
		}
	}
	if len(pairs) == 0 {
		return address
	}
	sep := "?"
	if strings.Contains(address, "?") {
		sep = "&"
	}
	return address + sep + strings.Join(pairs, "&")
}
