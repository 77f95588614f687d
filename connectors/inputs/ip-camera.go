package inputs

import (
	"fmt"

	"github.com/heysalad/laura-camera-client/drivers/camera"
)

var driverCon = map[string]camera.DriverConstructor{
	"url":        camera.NewUrlCameraDriver,
	"fscam":      camera.NewFileSystemCameraDriver,
	"hikvision":  camera.NewHikvisionCameraDriver,
	"hickvision": camera.NewHikvisionCameraDriver,
	"dahua":      camera.NewDahuaCameraDriver,
	"reolink":    camera.NewReolinkCameraDriver,
	"rtsp":       camera.NewRtspCameraDriver,
}

// IpCamera binds a driver to one camera address and its credentials.
type IpCamera struct {
	model    string
	address  string
	username string
	password string
	driver   camera.Driver
}

// NewIpCamera returns nil for an unsupported model.
func NewIpCamera(model, address, username, password string) *IpCamera {
	driver := driverCon[model]
	if driver == nil {
		return nil
	}
	return &IpCamera{model: model, address: address, driver: driver(), username: username, password: password}
}

func (cam *IpCamera) Model() string {
	return cam.model
}

func (cam *IpCamera) ExtractImage(opts camera.CaptureOptions) (*camera.Image, error) {
	if cam.driver == nil {
		return nil, fmt.Errorf("unknown driver")
	}
	return cam.driver.ExtractImage(cam.address, cam.username, cam.password, opts)
}

func (cam *IpCamera) Ping() bool {
	return cam.driver.Ping(cam.address)
}

func (cam *IpCamera) Commit(transactionId string) error {
	return cam.driver.Commit(transactionId)
}
