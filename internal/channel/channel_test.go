package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heysalad/laura-camera-client/internal/transport"
	"github.com/heysalad/laura-camera-client/pkg/model"
)

const testTopic = "realtime:camera-CAM001"

// fakeSocket answers joins with joinStatus and records every frame sent.
type fakeSocket struct {
	joinStatus string
	in         chan []byte
	closed     chan struct{}
	closeOnce  sync.Once

	mux  sync.Mutex
	sent []message
}

func newFakeSocket(joinStatus string) *fakeSocket {
	return &fakeSocket{joinStatus: joinStatus, in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) Send(data []byte) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}
	msg, err := decode(data)
	if err != nil {
		return err
	}
	s.mux.Lock()
	s.sent = append(s.sent, msg)
	s.mux.Unlock()
	if msg.Event == eventJoin {
		s.push([]byte(`{"topic":"` + msg.Topic + `","event":"phx_reply","payload":{"status":"` + s.joinStatus + `","response":{}},"ref":"` + msg.Ref + `"}`))
	}
	return nil
}

func (s *fakeSocket) Receive() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) push(data []byte) {
	select {
	case s.in <- data:
	case <-s.closed:
	}
}

func (s *fakeSocket) sentEvents(event string) []message {
	s.mux.Lock()
	defer s.mux.Unlock()
	var out []message
	for _, msg := range s.sent {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

// fakeDialer fails the dials for which fail returns an error.
type fakeDialer struct {
	joinStatus string
	fail       func(n int) error

	mux     sync.Mutex
	urls    []string
	sockets []*fakeSocket
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Socket, error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.urls = append(d.urls, url)
	if d.fail != nil {
		if err := d.fail(len(d.urls)); err != nil {
			return nil, err
		}
	}
	status := d.joinStatus
	if status == "" {
		status = "ok"
	}
	s := newFakeSocket(status)
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mux.Lock()
	defer d.mux.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) url(i int) string {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.urls[i]
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mux.Lock()
	defer d.mux.Unlock()
	if i >= len(d.sockets) {
		return nil
	}
	return d.sockets[i]
}

type fakeHistory struct {
	mux     sync.Mutex
	fetches int
	cmds    []model.Command
}

func (h *fakeHistory) Fetch(ctx context.Context) ([]model.Command, error) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.fetches++
	return append([]model.Command(nil), h.cmds...), nil
}

func (h *fakeHistory) count() int {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.fetches
}

func failAlways(n int) error { return errors.New("connection refused") }

func testConfig() Config {
	return Config{
		ShortID:        "CAM001",
		RealtimeURL:    "wss://realtime.example.com/realtime/v1/websocket",
		Key:            "secret",
		CommandTimeout: 20 * time.Millisecond,
		StatusInterval: 50 * time.Millisecond,
		ResubscribeMax: 40 * time.Millisecond,
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, ch <-chan model.Command) model.Command {
	t.Helper()
	select {
	case cmd, ok := <-ch:
		if !ok {
			t.Fatalf("Command stream closed unexpectedly")
		}
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for a command")
	}
	return model.Command{}
}

func expectNoCommand(t *testing.T, ch <-chan model.Command, wait time.Duration) {
	t.Helper()
	select {
	case cmd := <-ch:
		t.Errorf("Unexpected command %+v", cmd)
	case <-time.After(wait):
	}
}

func startChannel(t *testing.T, cfg Config, dialer transport.Dialer, history History) *Channel {
	t.Helper()
	ch := New(cfg, dialer, history)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Can't start channel. Unexpected error: %v", err)
	}
	t.Cleanup(ch.Close)
	return ch
}

func TestChannelDeliversPushedCommandsOnce(t *testing.T) {
	dialer := &fakeDialer{}
	ch := startChannel(t, testConfig(), dialer, nil)
	if !ch.WaitForState(model.ChannelSubscribed, 2*time.Second) {
		t.Fatalf("Expected subscribed, got %s", ch.State())
	}
	if url := dialer.url(0); !strings.Contains(url, "apikey=secret") || !strings.Contains(url, "vsn=1.0.0") {
		t.Errorf("Unexpected socket url %s", url)
	}
	sock := dialer.socket(0)
	if joins := sock.sentEvents(eventJoin); len(joins) != 1 || joins[0].Topic != testTopic {
		t.Errorf("Expected one join for %s, got %+v", testTopic, joins)
	}

	sock.push(commandFrame(testTopic, "take_photo", "cmd-1", "1700000000000"))
	sock.push(commandFrame(testTopic, "take_photo", "cmd-1", "1700000000000"))
	sock.push(commandFrame("realtime:camera-OTHER", "reboot", "cmd-x", "1"))
	sock.push(commandFrame(testTopic, "get_status", "cmd-2", "1700000000001"))

	first := receive(t, ch.Commands())
	if first.ID != "cmd-1" || first.Kind != model.KindCapturePhoto || first.Source != model.SourcePush {
		t.Errorf("Unexpected command %+v", first)
	}
	if second := receive(t, ch.Commands()); second.ID != "cmd-2" {
		t.Errorf("Expected cmd-2, got %+v", second)
	}
	expectNoCommand(t, ch.Commands(), 50*time.Millisecond)
}

func TestChannelFallsBackToPolling(t *testing.T) {
	var dialsAtDegrade int32
	dialer := &fakeDialer{fail: failAlways}
	history := &fakeHistory{cmds: []model.Command{
		{ID: "c-1", Kind: model.KindGetStatus, IssuedAt: time.Now(), Source: model.SourcePoll},
	}}
	cfg := testConfig()
	cfg.Observer = func(from, to model.ChannelState) {
		if to == model.ChannelDegradedPolling {
			atomic.StoreInt32(&dialsAtDegrade, int32(dialer.dials()))
		}
	}
	ch := startChannel(t, cfg, dialer, history)

	if !ch.WaitForState(model.ChannelDegradedPolling, 2*time.Second) {
		t.Fatalf("Expected degraded polling, got %s", ch.State())
	}
	if got := atomic.LoadInt32(&dialsAtDegrade); got != DefaultMaxSubscribeAttempts {
		t.Errorf("Expected %d subscribe attempts before polling, got %d", DefaultMaxSubscribeAttempts, got)
	}
	cmd := receive(t, ch.Commands())
	if cmd.ID != "c-1" || cmd.Source != model.SourcePoll {
		t.Errorf("Unexpected command %+v", cmd)
	}
	waitUntil(t, "a second poll", func() bool { return history.count() >= 3 })
	expectNoCommand(t, ch.Commands(), 30*time.Millisecond)
	// resubscribe keeps trying in the background
	waitUntil(t, "a resubscribe attempt", func() bool { return dialer.dials() > DefaultMaxSubscribeAttempts })
	if ch.State() != model.ChannelDegradedPolling {
		t.Errorf("Expected to stay in degraded polling, got %s", ch.State())
	}
}

func TestChannelPollingSkipsDeliveredAndOldCommands(t *testing.T) {
	dialer := &fakeDialer{fail: func(n int) error {
		if n > 1 {
			return errors.New("connection refused")
		}
		return nil
	}}
	pushedAt := time.Now().Truncate(time.Millisecond)
	history := &fakeHistory{cmds: []model.Command{
		// the pushed command as the server stored it
		{ID: "row-1", Kind: model.KindCapturePhoto, IssuedAt: pushedAt.Add(40 * time.Millisecond), Source: model.SourcePoll},
		{ID: "row-old", Kind: model.KindReboot, IssuedAt: pushedAt.Add(-24 * time.Hour), Source: model.SourcePoll},
		{ID: "row-undated", Kind: model.KindReboot, Source: model.SourcePoll},
		{ID: "row-2", Kind: model.KindGetStatus, IssuedAt: pushedAt.Add(time.Second), Source: model.SourcePoll},
	}}
	ch := startChannel(t, testConfig(), dialer, history)
	if !ch.WaitForState(model.ChannelSubscribed, 2*time.Second) {
		t.Fatalf("Expected subscribed, got %s", ch.State())
	}

	dialer.socket(0).push(commandFrame(testTopic, "take_photo", "cmd-1", strconv.FormatInt(pushedAt.UnixMilli(), 10)))
	if cmd := receive(t, ch.Commands()); cmd.ID != "cmd-1" || cmd.Source != model.SourcePush {
		t.Fatalf("Unexpected command %+v", cmd)
	}

	dialer.socket(0).Close()
	if !ch.WaitForState(model.ChannelDegradedPolling, 2*time.Second) {
		t.Fatalf("Expected degraded polling, got %s", ch.State())
	}
	if cmd := receive(t, ch.Commands()); cmd.ID != "row-2" {
		t.Errorf("Expected only row-2 from history, got %+v", cmd)
	}
	waitUntil(t, "repeated polls", func() bool { return history.count() >= 3 })
	expectNoCommand(t, ch.Commands(), 30*time.Millisecond)
}

func TestChannelTerminalErrorsSkipRetries(t *testing.T) {
	cases := []struct {
		name   string
		dialer *fakeDialer
	}{
		{"unauthorized handshake", &fakeDialer{fail: func(n int) error {
			return &transport.HandshakeError{StatusCode: 401, Err: errors.New("bad handshake")}
		}}},
		{"join rejected", &fakeDialer{joinStatus: "error", fail: func(n int) error {
			if n > 1 {
				return errors.New("connection refused")
			}
			return nil
		}}},
	}
	for _, tc := range cases {
		var dialsAtDegrade int32
		dialer := tc.dialer
		cfg := testConfig()
		cfg.Observer = func(from, to model.ChannelState) {
			if to == model.ChannelDegradedPolling {
				atomic.StoreInt32(&dialsAtDegrade, int32(dialer.dials()))
			}
		}
		ch := New(cfg, dialer, &fakeHistory{})
		if err := ch.Start(context.Background()); err != nil {
			t.Fatalf("%s: can't start channel. Unexpected error: %v", tc.name, err)
		}
		if !ch.WaitForState(model.ChannelDegradedPolling, 2*time.Second) {
			t.Errorf("%s: expected degraded polling, got %s", tc.name, ch.State())
		}
		if got := atomic.LoadInt32(&dialsAtDegrade); got != 1 {
			t.Errorf("%s: expected a single subscribe attempt, got %d", tc.name, got)
		}
		ch.Close()
	}
}

func TestChannelRecoversFromPolling(t *testing.T) {
	var states []model.ChannelState
	var mux sync.Mutex
	dialer := &fakeDialer{fail: func(n int) error {
		if n <= DefaultMaxSubscribeAttempts {
			return errors.New("connection refused")
		}
		return nil
	}}
	cfg := testConfig()
	cfg.Observer = func(from, to model.ChannelState) {
		mux.Lock()
		states = append(states, to)
		mux.Unlock()
	}
	ch := startChannel(t, cfg, dialer, &fakeHistory{})

	if !ch.WaitForState(model.ChannelDegradedPolling, 2*time.Second) {
		t.Fatalf("Expected degraded polling, got %s", ch.State())
	}
	if !ch.WaitForState(model.ChannelSubscribed, 2*time.Second) {
		t.Fatalf("Expected to resubscribe, got %s", ch.State())
	}
	mux.Lock()
	defer mux.Unlock()
	want := []model.ChannelState{model.ChannelConnecting, model.ChannelDegradedPolling, model.ChannelSubscribed}
	if len(states) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("Expected transitions %v, got %v", want, states)
		}
	}
}

func TestChannelReconnectsAfterDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	ch := startChannel(t, testConfig(), dialer, nil)
	if !ch.WaitForState(model.ChannelSubscribed, 2*time.Second) {
		t.Fatalf("Expected subscribed, got %s", ch.State())
	}

	// socket drop
	dialer.socket(0).Close()
	waitUntil(t, "a second dial", func() bool { return dialer.dials() >= 2 })
	if !ch.WaitForState(model.ChannelSubscribed, 2*time.Second) {
		t.Fatalf("Expected subscribed again, got %s", ch.State())
	}

	// server side channel close
	waitUntil(t, "the second socket", func() bool { return dialer.socket(1) != nil })
	dialer.socket(1).push([]byte(`{"topic":"` + testTopic + `","event":"phx_close","payload":{}}`))
	waitUntil(t, "a third dial", func() bool { return dialer.dials() >= 3 })
	if !ch.WaitForState(model.ChannelSubscribed, 2*time.Second) {
		t.Fatalf("Expected subscribed again, got %s", ch.State())
	}
}

func TestChannelKeepalive(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := testConfig()
	cfg.KeepaliveInterval = 10 * time.Millisecond
	ch := startChannel(t, cfg, dialer, nil)
	if !ch.WaitForState(model.ChannelSubscribed, 2*time.Second) {
		t.Fatalf("Expected subscribed, got %s", ch.State())
	}
	waitUntil(t, "a keepalive", func() bool { return len(dialer.socket(0).sentEvents(eventHeartbeat)) > 0 })
	beat := dialer.socket(0).sentEvents(eventHeartbeat)[0]
	if beat.Topic != phoenixTopic {
		t.Errorf("Expected keepalive on %s, got %s", phoenixTopic, beat.Topic)
	}
}

func TestChannelPublish(t *testing.T) {
	dialer := &fakeDialer{}
	ch := New(testConfig(), dialer, nil)

	var chErr *model.ChannelError
	if err := ch.Publish(context.Background(), BroadcastStatus, map[string]int{"battery_level": 80}); !errors.As(err, &chErr) {
		t.Errorf("Expected a ChannelError before start, got %v", err)
	}

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Can't start channel. Unexpected error: %v", err)
	}
	defer ch.Close()
	if !ch.WaitForState(model.ChannelSubscribed, 2*time.Second) {
		t.Fatalf("Expected subscribed, got %s", ch.State())
	}
	if err := ch.Publish(context.Background(), BroadcastStatus, map[string]int{"battery_level": 80}); err != nil {
		t.Fatalf("Can't publish. Unexpected error: %v", err)
	}
	sent := dialer.socket(0).sentEvents(eventBroadcast)
	if len(sent) != 1 || sent[0].Topic != testTopic {
		t.Fatalf("Expected one broadcast on %s, got %+v", testTopic, sent)
	}
	var bc broadcastPayload
	json.Unmarshal(sent[0].Payload, &bc)
	if bc.Event != BroadcastStatus || string(bc.Payload) != `{"battery_level":80}` {
		t.Errorf("Unexpected broadcast %s", string(sent[0].Payload))
	}
}

func TestChannelClose(t *testing.T) {
	ch := New(testConfig(), &fakeDialer{}, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Can't start channel. Unexpected error: %v", err)
	}
	if err := ch.Start(context.Background()); err == nil {
		t.Errorf("Expected the second start to fail")
	}
	ch.WaitForState(model.ChannelSubscribed, 2*time.Second)
	ch.Close()
	ch.Close()

	if ch.State() != model.ChannelClosed {
		t.Errorf("Expected closed, got %s", ch.State())
	}
	if _, ok := <-ch.Commands(); ok {
		t.Errorf("Expected the command stream to be closed")
	}
	if err := ch.Start(context.Background()); err == nil {
		t.Errorf("Expected start after close to fail")
	}
}

func TestChannelCloseWithoutStart(t *testing.T) {
	ch := New(testConfig(), &fakeDialer{}, nil)
	ch.Close()
	if _, ok := <-ch.Commands(); ok {
		t.Errorf("Expected the command stream to be closed")
	}
	if ch.State() != model.ChannelClosed {
		t.Errorf("Expected closed, got %s", ch.State())
	}
}

func TestChannelStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := New(testConfig(), &fakeDialer{}, nil)
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Can't start channel. Unexpected error: %v", err)
	}
	ch.WaitForState(model.ChannelSubscribed, 2*time.Second)
	cancel()
	if !ch.WaitForState(model.ChannelClosed, 2*time.Second) {
		t.Errorf("Expected closed after cancel, got %s", ch.State())
	}
	ch.Close()
}
