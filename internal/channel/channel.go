// Package channel delivers cloud commands to the camera. It keeps a realtime
// subscription when it can and polls the command history when it cannot.
package channel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/heysalad/laura-camera-client/internal"
	"github.com/heysalad/laura-camera-client/internal/transport"
	"github.com/heysalad/laura-camera-client/pkg/model"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxSubscribeAttempts = 3
	DefaultDedupWindow          = 64
	DefaultKeepaliveInterval    = 30 * time.Second

	commandBuffer  = 32
	minReplayGrace = 5 * time.Second
)

var errNotSubscribed = errors.New("channel is not subscribed")

type Config struct {
	ShortID     string
	RealtimeURL string
	Key         string

	CommandTimeout    time.Duration // join timeout, poll interval and first resubscribe delay
	StatusInterval    time.Duration
	KeepaliveInterval time.Duration

	MaxSubscribeAttempts int
	DedupWindow          int
	ResubscribeMax       time.Duration // defaults to 4 x StatusInterval
	Jitter               float64

	Clock    clock.Clock
	Observer StateObserver
}

// replayGrace bounds the clock skew between history rows and this session.
func (cfg Config) replayGrace() time.Duration {
	return max(cfg.CommandTimeout, minReplayGrace)
}

func (cfg Config) withDefaults() Config {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = internal.DefaultCommandTimeoutMs * time.Millisecond
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = internal.DefaultStatusIntervalMs * time.Millisecond
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.MaxSubscribeAttempts <= 0 {
		cfg.MaxSubscribeAttempts = DefaultMaxSubscribeAttempts
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.ResubscribeMax <= 0 {
		cfg.ResubscribeMax = 4 * cfg.StatusInterval
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

// Channel is one command channel session. It can be started once; a new
// session needs a new Channel.
type Channel struct {
	cfg       Config
	topic     string
	socketURL string
	dialer    transport.Dialer
	history   History
	clock     clock.Clock
	states    *StateTracker
	dedup     *dedupSet
	pushes    *pushLog
	started   time.Time
	out       chan model.Command
	ref       uint64

	sessMux sync.Mutex
	sess    *session

	startMux  sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	log       *log.Entry
}

func New(cfg Config, dialer transport.Dialer, history History) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:       cfg,
		topic:     internal.ChannelTopic(cfg.ShortID),
		socketURL: internal.RealtimeSocketURL(cfg.RealtimeURL, cfg.Key),
		dialer:    dialer,
		history:   history,
		clock:     cfg.Clock,
		states:    NewStateTracker(cfg.Observer),
		dedup:     newDedupSet(cfg.DedupWindow),
		pushes:    newPushLog(cfg.DedupWindow, cfg.replayGrace()),
		out:       make(chan model.Command, commandBuffer),
		log:       log.WithFields(log.Fields{"component": "channel", "camera": cfg.ShortID}),
	}
}

func (c *Channel) State() model.ChannelState {
	return c.states.Current()
}

// WaitForState blocks until the channel reaches state or timeout expires.
func (c *Channel) WaitForState(state model.ChannelState, timeout time.Duration) bool {
	return c.states.WaitFor(state, timeout)
}

// Commands returns the commands of this session in arrival order, each id at
// most once within the dedup window. The channel is closed when the session
// ends.
func (c *Channel) Commands() <-chan model.Command {
	return c.out
}

// Start leaves the unconfigured state and runs the channel until ctx is done
// or Close is called.
func (c *Channel) Start(ctx context.Context) error {
	c.startMux.Lock()
	defer c.startMux.Unlock()
	if st := c.states.Current(); st != model.ChannelUnconfigured {
		return &model.ChannelError{Op: "start", Err: fmt.Errorf("channel is %s", st)}
	}
	if err := c.states.Transition(model.ChannelConnecting); err != nil {
		return &model.ChannelError{Op: "start", Err: err}
	}
	c.started = c.clock.Now()
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
	return nil
}

// Close ends the session and waits for the channel loop to exit.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.startMux.Lock()
		cancel, done := c.cancel, c.done
		c.states.Transition(model.ChannelClosed)
		c.startMux.Unlock()
		if cancel == nil {
			close(c.out)
			return
		}
		cancel()
		c.dropSession()
		<-done
		c.log.Info("Command channel closed")
	})
}

// Publish broadcasts event on the camera channel. It fails unless the channel
// is subscribed.
func (c *Channel) Publish(ctx context.Context, event string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return &model.ChannelError{Op: "publish", Err: err}
	}
	s := c.currentSession()
	if c.states.Current() != model.ChannelSubscribed || s == nil {
		return &model.ChannelError{Op: "publish", Err: errNotSubscribed}
	}
	data, err := broadcastMessage(c.topic, c.nextRef(), event, payload)
	if err != nil {
		return &model.ChannelError{Op: "publish", Err: err}
	}
	if err := s.send(data); err != nil {
		return &model.ChannelError{Op: "publish", Err: err}
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Command channel loop crashed with error : ", string(debug.Stack()))
		}
		c.dropSession()
		c.states.Transition(model.ChannelClosed)
		close(c.out)
		close(c.done)
	}()
	for ctx.Err() == nil {
		switch c.states.Current() {
		case model.ChannelConnecting:
			c.connect(ctx)
		case model.ChannelSubscribed:
			c.serve(ctx)
		case model.ChannelDegradedPolling:
			c.poll(ctx)
		default:
			return
		}
	}
}

// connect makes up to MaxSubscribeAttempts subscribe attempts and moves to
// subscribed, or to degraded polling once they are used up.
func (c *Channel) connect(ctx context.Context) {
	retry := c.newBackoff(minDuration(time.Second, c.cfg.CommandTimeout), c.cfg.CommandTimeout)
	for attempt := 1; attempt <= c.cfg.MaxSubscribeAttempts; attempt++ {
		s, err := c.subscribe(ctx)
		if err == nil {
			c.adopt(s)
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warnf("Subscribe attempt %d/%d failed : %s", attempt, c.cfg.MaxSubscribeAttempts, err.Error())
		var chErr *model.ChannelError
		if errors.As(err, &chErr) && chErr.Terminal {
			break
		}
		if attempt < c.cfg.MaxSubscribeAttempts && !c.sleep(ctx, retry.NextBackOff()) {
			return
		}
	}
	c.log.Warn("Live channel unavailable, falling back to command polling")
	c.states.Transition(model.ChannelDegradedPolling)
}

// serve reads the live socket until it disconnects.
func (c *Channel) serve(ctx context.Context) {
	s := c.currentSession()
	if s == nil {
		c.states.Transition(model.ChannelConnecting)
		return
	}
	keepalive := c.clock.Ticker(c.cfg.KeepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.errs:
			c.disconnected(err)
			return
		case <-keepalive.C:
			data, err := heartbeatMessage(c.nextRef())
			if err == nil {
				err = s.send(data)
			}
			if err != nil {
				c.disconnected(err)
				return
			}
		case msg := <-s.frames:
			if !c.handleFrame(ctx, msg) {
				c.disconnected(fmt.Errorf("server sent %s", msg.Event))
				return
			}
		}
	}
}

// handleFrame processes one inbound message and reports whether the
// subscription is still alive.
func (c *Channel) handleFrame(ctx context.Context, msg message) bool {
	if msg.Topic != c.topic {
		return true
	}
	switch msg.Event {
	case eventError, eventClose:
		return false
	case eventBroadcast:
		cmd, ok, err := parseCommand(msg)
		if err != nil {
			c.log.Warnf("Dropping broadcast : %s", err.Error())
			return true
		}
		if ok && c.deliver(ctx, cmd) {
			at := cmd.IssuedAt
			if at.IsZero() {
				at = c.clock.Now()
			}
			c.pushes.Record(cmd.Kind, at)
		}
	}
	return true
}

func (c *Channel) disconnected(err error) {
	c.log.Warnf("Live channel disconnected : %v", err)
	c.dropSession()
	c.states.Transition(model.ChannelConnecting)
}

// poll reads the command history every CommandTimeout while a background
// goroutine tries to resubscribe. Polling continues while a resubscribe
// attempt is in flight.
func (c *Channel) poll(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	recovered := make(chan *session)
	go c.resubscribe(pollCtx, recovered)

	ticker := c.clock.Ticker(c.cfg.CommandTimeout)
	defer ticker.Stop()
	c.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-recovered:
			if c.adopt(s) {
				c.log.Info("Live channel recovered, polling stopped")
			}
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Channel) pollOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Command poll crashed with error : ", string(debug.Stack()))
		}
	}()
	if c.history == nil {
		return
	}
	cmds, err := c.history.Fetch(ctx)
	if err != nil {
		c.log.Warnf("Command poll failed : %s", err.Error())
		return
	}
	for _, cmd := range cmds {
		if !c.fresh(cmd) {
			continue
		}
		if !c.deliver(ctx, cmd) && ctx.Err() != nil {
			return
		}
	}
}

// fresh reports whether a history row may still be handed to the consumer.
// Rows from before this session and rows of commands already delivered by
// push stay "sent" on the server and must not run again.
func (c *Channel) fresh(cmd model.Command) bool {
	if c.dedup.Contains(cmd.ID) {
		return false
	}
	if cmd.IssuedAt.IsZero() || cmd.IssuedAt.Before(c.started.Add(-c.cfg.replayGrace())) {
		c.log.Debugf("Skipping command %s (%s) issued before this session", cmd.ID, cmd.Kind)
		return false
	}
	if c.pushes.Claim(cmd.Kind, cmd.IssuedAt) {
		c.log.Debugf("Command %s (%s) was already delivered by push", cmd.ID, cmd.Kind)
		c.dedup.Seen(cmd.ID)
		return false
	}
	return true
}

func (c *Channel) resubscribe(ctx context.Context, recovered chan<- *session) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Resubscribe loop crashed with error : ", string(debug.Stack()))
		}
	}()
	retry := c.newBackoff(c.cfg.CommandTimeout, c.cfg.ResubscribeMax)
	for {
		if !c.sleep(ctx, retry.NextBackOff()) {
			return
		}
		s, err := c.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debugf("Resubscribe failed : %s", err.Error())
			continue
		}
		select {
		case recovered <- s:
			return
		case <-ctx.Done():
			s.close()
			return
		}
	}
}

// subscribe dials the realtime socket and joins the camera topic. Rejected
// handshakes and join errors are terminal.
func (c *Channel) subscribe(ctx context.Context) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	sock, err := c.dialer.Dial(dialCtx, c.socketURL)
	if err != nil {
		var hsErr *transport.HandshakeError
		terminal := errors.As(err, &hsErr) && hsErr.Terminal()
		return nil, &model.ChannelError{Op: "dial", Terminal: terminal, Err: err}
	}
	s := newSession(sock)

	ref := c.nextRef()
	join, err := joinMessage(c.topic, ref)
	if err == nil {
		err = s.send(join)
	}
	if err != nil {
		s.close()
		return nil, &model.ChannelError{Op: "join", Err: err}
	}

	timeout := c.clock.Timer(c.cfg.CommandTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			s.close()
			return nil, &model.ChannelError{Op: "join", Err: ctx.Err()}
		case <-timeout.C:
			s.close()
			return nil, &model.ChannelError{Op: "join", Err: fmt.Errorf("no join reply: %w", model.ErrTimeout)}
		case err := <-s.errs:
			s.close()
			return nil, &model.ChannelError{Op: "join", Err: err}
		case msg := <-s.frames:
			if msg.Event != eventReply || msg.Ref != ref {
				continue
			}
			if status := replyStatus(msg); status != "ok" {
				s.close()
				return nil, &model.ChannelError{Op: "join", Terminal: true, Err: fmt.Errorf("join rejected with status %q: %s", status, string(msg.Payload))}
			}
			c.log.Infof("Subscribed to %s", c.topic)
			return s, nil
		}
	}
}

// adopt makes s the live session and moves to subscribed.
func (c *Channel) adopt(s *session) bool {
	c.sessMux.Lock()
	c.sess = s
	c.sessMux.Unlock()
	if err := c.states.Transition(model.ChannelSubscribed); err != nil {
		c.dropSession()
		return false
	}
	return true
}

// deliver hands cmd to the consumer unless its id was seen before.
func (c *Channel) deliver(ctx context.Context, cmd model.Command) bool {
	if c.dedup.Seen(cmd.ID) {
		c.log.Debugf("Duplicate command %s dropped", cmd.ID)
		return false
	}
	select {
	case c.out <- cmd:
		c.log.Infof("Command %s (%s) received via %s", cmd.ID, cmd.Kind, cmd.Source)
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) currentSession() *session {
	c.sessMux.Lock()
	defer c.sessMux.Unlock()
	return c.sess
}

func (c *Channel) dropSession() {
	c.sessMux.Lock()
	s := c.sess
	c.sess = nil
	c.sessMux.Unlock()
	if s != nil {
		s.close()
	}
}

func (c *Channel) nextRef() string {
	return strconv.FormatUint(atomic.AddUint64(&c.ref, 1), 10)
}

// newBackoff doubles from initial up to ceiling, with the configured jitter
// applied on top of each step.
func (c *Channel) newBackoff(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	if ceiling < initial {
		ceiling = initial
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(ceiling),
		backoff.WithRandomizationFactor(c.cfg.Jitter),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(c.clock),
	)
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// session is one joined socket with its reader goroutine.
type session struct {
	sock   transport.Socket
	frames chan message
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func newSession(sock transport.Socket) *session {
	s := &session{
		sock:   sock,
		frames: make(chan message),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *session) read() {
	for {
		data, err := s.sock.Receive()
		if err != nil {
			s.errs <- err
			return
		}
		msg, err := decode(data)
		if err != nil {
			log.Debugf("Ignoring malformed realtime frame : %s", err.Error())
			continue
		}
		select {
		case s.frames <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *session) send(data []byte) error {
	return s.sock.Send(data)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.sock.Close()
	})
}
