package camera

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// ReolinkCameraDriver uses the Snap CGI command, which takes the credentials
// as query parameters.
type ReolinkCameraDriver struct {
	httpClient http.Client
}

func NewReolinkCameraDriver() Driver {
	httpClient := http.Client{
		Timeout: 15 * time.Second,
	}
	return &ReolinkCameraDriver{httpClient: httpClient}
}

func (cam *ReolinkCameraDriver) ExtractImage(address, username, password string, opts CaptureOptions) (*Image, error) {
	address = withQuery(address,
		"user", url.QueryEscape(username),
		"password", url.QueryEscape(password),
		"width", strconv.Itoa(opts.Width),
		"height", strconv.Itoa(opts.Height))
	resp, err := cam.httpClient.Get(address)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	img, err := readJpeg(resp)
	if err != nil {
		log.Errorf("Reolink snapshot rejected : %s", err.Error())
		return nil, err
	}
	return img, nil
}

func (cam *ReolinkCameraDriver) Ping(address string) bool {
	return true
}

func (cam *ReolinkCameraDriver) Commit(transactionId string) error {
	return nil
}
