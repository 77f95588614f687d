package camera

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// UrlCameraDriver fetches a JPEG snapshot from a plain HTTP address.
type UrlCameraDriver struct {
	httpClient http.Client
}

func NewUrlCameraDriver() Driver {
	httpClient := http.Client{
		Timeout: 15 * time.Second,
	}
	return &UrlCameraDriver{httpClient: httpClient}
}

func (cam *UrlCameraDriver) ExtractImage(address, username, password string, opts CaptureOptions) (*Image, error) {
	req, err := http.NewRequest(http.MethodGet, address, nil)
	if err != nil {
		return nil, err
	}
	if username != "" {
		req.SetBasicAuth(username, password)
	}
	resp, err := cam.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	img, err := readJpeg(resp)
	if err != nil {
		log.Errorf("Snapshot from %s rejected : %s", address, err.Error())
		return nil, err
	}
	return img, nil
}

func (cam *UrlCameraDriver) Ping(address string) bool {
	resp, err := cam.httpClient.Head(address)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (cam *UrlCameraDriver) Commit(transactionId string) error {
	return nil
}
