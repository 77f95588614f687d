package internal

import "testing"

func TestEndpointBuilders(t *testing.T) {
	api := "https://laura.heysalad.app"
	cases := []struct{ got, want string }{
		{RegistrationURL(api), "https://laura.heysalad.app/api/cameras"},
		{PhotosURL(api, "abc-123"), "https://laura.heysalad.app/api/cameras/abc-123/photos"},
		{CommandHistoryURL(api, "abc-123"), "https://laura.heysalad.app/api/cameras/abc-123/command"},
		{StatusURL(api, "abc-123"), "https://laura.heysalad.app/api/cameras/abc-123/status"},
		{CommandAckURL(api, "abc-123", "c 1"), "https://laura.heysalad.app/api/cameras/abc-123/commands/c%201"},
		{StoragePath("CAM001", 1700000000123), "CAM001/1700000000123.jpg"},
		{ChannelName("CAM001"), "camera-CAM001"},
		{ChannelTopic("CAM001"), "realtime:camera-CAM001"},
		{RealtimeSocketURL("wss://rt/ws", "k"), "wss://rt/ws?apikey=k&vsn=1.0.0"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("Expected %s, got %s", tc.want, tc.got)
		}
	}
}

func TestStorageURLs(t *testing.T) {
	base := "https://project.supabase.co/storage/v1/object/"
	path := StoragePath("CAM001", 42)
	if got := StorageUploadURL(base, "camera-photos", path); got != "https://project.supabase.co/storage/v1/object/camera-photos/CAM001/42.jpg" {
		t.Errorf("Unexpected upload url %s", got)
	}
	if got := StoragePublicURL(base, "camera-photos", path); got != "https://project.supabase.co/storage/v1/object/public/camera-photos/CAM001/42.jpg" {
		t.Errorf("Unexpected public url %s", got)
	}
}
