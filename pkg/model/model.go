package model

import "time"

// CommandKind is the command name as issued by the cloud side.
type CommandKind string

const (
	KindCapturePhoto CommandKind = "capture_photo"
	KindStartVideo   CommandKind = "start_video"
	KindStopVideo    CommandKind = "stop_video"
	KindGetStatus    CommandKind = "get_status"
	KindReboot       CommandKind = "reboot"
)

// wireTakePhoto is the name the dashboard uses for KindCapturePhoto.
const wireTakePhoto = "take_photo"

// ParseCommandKind maps a wire command name to a CommandKind. Unknown names are
// kept as they are so firmware can still acknowledge them.
func ParseCommandKind(name string) CommandKind {
	if name == wireTakePhoto {
		return KindCapturePhoto
	}
	return CommandKind(name)
}

// Known reports whether the kind is one the client contract defines.
func (k CommandKind) Known() bool {
	switch k {
	case KindCapturePhoto, KindStartVideo, KindStopVideo, KindGetStatus, KindReboot:
		return true
	}
	return false
}

// CommandSource tells which transport surfaced a command.
type CommandSource string

const (
	SourcePush CommandSource = "push"
	SourcePoll CommandSource = "poll"
)

type Command struct {
	ID       string                 `json:"command_id"`
	Kind     CommandKind            `json:"command"`
	IssuedAt time.Time              `json:"timestamp"`
	Payload  map[string]interface{} `json:"payload"`
	Source   CommandSource          `json:"-"`
}

// DeviceIdentity pairs the operator-assigned camera label with the id the
// server assigned to it.
type DeviceIdentity struct {
	ShortID   string
	DurableID string
}

type PhotoReport struct {
	CommandID    string                 `json:"command_id,omitempty"`
	StorageURL   string                 `json:"photo_url"`
	ThumbnailURL string                 `json:"thumbnail_url,omitempty"`
	SizeBytes    int64                  `json:"size_bytes"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type CameraState string

const (
	StateOnline  CameraState = "online"
	StateOffline CameraState = "offline"
	StateBusy    CameraState = "busy"
	StateError   CameraState = "error"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type StatusReport struct {
	BatteryPercent  int         `json:"battery_level"`
	WifiSignal      int         `json:"wifi_signal"`
	State           CameraState `json:"status"`
	Location        *Location   `json:"location,omitempty"`
	FreeMemoryBytes int64       `json:"free_heap"`
	FirmwareVersion string      `json:"firmware_version,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// AckStatus is the final status reported for an executed command.
type AckStatus string

const (
	AckCompleted AckStatus = "completed"
	AckFailed    AckStatus = "failed"
)

type Acknowledgement struct {
	CommandID string                 `json:"command_id"`
	Status    AckStatus              `json:"status"`
	Result    map[string]interface{} `json:"result"`
}

// ChannelState is the state of the command channel.
type ChannelState int

const (
	ChannelUnconfigured ChannelState = iota
	ChannelConnecting
	ChannelSubscribed
	ChannelDegradedPolling
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelUnconfigured:
		return "unconfigured"
	case ChannelConnecting:
		return "connecting"
	case ChannelSubscribed:
		return "subscribed"
	case ChannelDegradedPolling:
		return "degraded_polling"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}
