package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout marks a request that exceeded the configured command timeout. It
// is always wrapped inside the error of the operation that timed out.
var ErrTimeout = errors.New("request timed out")

// ErrUnregistered is returned when an operation needs the durable camera id
// before registration succeeded.
var ErrUnregistered = errors.New("camera is not registered")

// ConfigError lists missing or malformed configuration options. It is the only
// error that stops the client.
type ConfigError struct {
	Fields []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Fields, ", ")
}

type IdentityError struct {
	ShortID string
	Err     error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity resolution for camera %s failed: %v", e.ShortID, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// ChannelError is a subscribe or transport failure of the command channel.
// Terminal errors skip the remaining subscribe attempts.
type ChannelError struct {
	Op       string
	Terminal bool
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

type UploadErrorKind int

const (
	StorageFailed UploadErrorKind = iota + 1
	NotifyFailed
)

func (k UploadErrorKind) String() string {
	switch k {
	case StorageFailed:
		return "storage failed"
	case NotifyFailed:
		return "notify failed"
	}
	return "upload failed"
}

// PendingPhoto is a photo whose bytes are stored but whose metadata was not
// registered yet.
type PendingPhoto struct {
	StorageURL   string
	ThumbnailURL string
	SizeBytes    int64
	CommandID    string
	Metadata     map[string]interface{}
}

// UploadError is returned by the upload pipeline. For NotifyFailed, Pending
// holds everything needed to retry the notify step alone.
type UploadError struct {
	Kind       UploadErrorKind
	StorageURL string
	Pending    *PendingPhoto
	Err        error
}

func (e *UploadError) Error() string {
	if e.StorageURL != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.StorageURL, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// IsStorageFailed reports whether err is an UploadError from the storage step.
func IsStorageFailed(err error) bool {
	var upErr *UploadError
	return errors.As(err, &upErr) && upErr.Kind == StorageFailed
}

// IsNotifyFailed reports whether err is an UploadError from the notify step.
func IsNotifyFailed(err error) bool {
	var upErr *UploadError
	return errors.As(err, &upErr) && upErr.Kind == NotifyFailed
}
