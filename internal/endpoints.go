package internal

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint builders are pure: every path that embeds the durable camera id
// takes it as an argument.

func RegistrationURL(apiBase string) string {
	return apiBase + "/api/cameras"
}

func PhotosURL(apiBase, durableID string) string {
	return apiBase + "/api/cameras/" + url.PathEscape(durableID) + "/photos"
}

func CommandHistoryURL(apiBase, durableID string) string {
	return apiBase + "/api/cameras/" + url.PathEscape(durableID) + "/command"
}

func StatusURL(apiBase, durableID string) string {
	return apiBase + "/api/cameras/" + url.PathEscape(durableID) + "/status"
}

func CommandAckURL(apiBase, durableID, commandID string) string {
	return apiBase + "/api/cameras/" + url.PathEscape(durableID) + "/commands/" + url.PathEscape(commandID)
}

// StoragePath is {shortID}/{stamp}.jpg. Two devices sharing a short id can
// collide; the path is only unique per device.
func StoragePath(shortID string, stampMs int64) string {
	return fmt.Sprintf("%s/%d.jpg", shortID, stampMs)
}

func StorageUploadURL(storageBase, bucket, path string) string {
	return strings.TrimSuffix(storageBase, "/") + "/" + bucket + "/" + path
}

func StoragePublicURL(storageBase, bucket, path string) string {
	return strings.TrimSuffix(storageBase, "/") + "/public/" + bucket + "/" + path
}

func RealtimeSocketURL(realtimeBase, key string) string {
	return realtimeBase + "?apikey=" + url.QueryEscape(key) + "&vsn=1.0.0"
}

func ChannelName(shortID string) string {
	return "camera-" + shortID
}

// ChannelTopic is the realtime topic the channel joins.
func ChannelTopic(shortID string) string {
	return "realtime:" + ChannelName(shortID)
}
