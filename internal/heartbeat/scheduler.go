// Package heartbeat sends a status report on a fixed cadence, whatever the
// command channel is doing.
package heartbeat

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/heysalad/laura-camera-client/pkg/model"
	log "github.com/sirupsen/logrus"
)

// StatusSource produces a fresh report from the firmware on every tick.
type StatusSource func(ctx context.Context) model.StatusReport

// SendFunc transmits one report.
type SendFunc func(ctx context.Context, report model.StatusReport) error

type IdentitySource interface {
	DurableID() (string, bool)
}

// Scheduler emits a status report every interval. Reports produced before the
// camera is registered are held, one at a time, until Flush.
type Scheduler struct {
	interval time.Duration
	clock    clock.Clock
	source   StatusSource
	send     SendFunc
	identity IdentitySource

	mux    sync.Mutex
	held   *model.StatusReport
	cancel context.CancelFunc
	done   chan struct{}
	log    *log.Entry
}

func New(interval time.Duration, clk clock.Clock, source StatusSource, identity IdentitySource, send SendFunc) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		interval: interval,
		clock:    clk,
		source:   source,
		send:     send,
		identity: identity,
		log:      log.WithField("component", "heartbeat"),
	}
}

// Start emits one report right away and then one per interval until Stop or
// until ctx is done. The ticker exists when Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.cancel != nil {
		return errors.New("heartbeat already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	ticker := s.clock.Ticker(s.interval)
	go s.loop(ctx, ticker, s.done)
	s.log.Infof("Heartbeat started, interval %s", s.interval)
	return nil
}

// Stop cancels the timer and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mux.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mux.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run is Start followed by a wait for ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Heartbeat tick crashed with error : ", string(debug.Stack()))
		}
	}()
	if err := s.Emit(ctx); err != nil && !errors.Is(err, model.ErrUnregistered) {
		s.log.Warnf("Heartbeat skipped : %s", err.Error())
	}
}

// Emit produces one report and sends it, or holds it when the camera is not
// registered yet. A held report is replaced by newer ones. Failed sends are
// not queued.
func (s *Scheduler) Emit(ctx context.Context) error {
	report := s.source(ctx)
	if report.Timestamp.IsZero() {
		report.Timestamp = s.clock.Now()
	}
	if _, ok := s.identity.DurableID(); !ok {
		if report.State == model.StateOnline {
			report.State = model.StateError
		}
		s.mux.Lock()
		s.held = &report
		s.mux.Unlock()
		return model.ErrUnregistered
	}
	s.mux.Lock()
	s.held = nil
	s.mux.Unlock()
	return s.send(ctx, report)
}

// Flush sends the held report, if any, once the camera is registered. The
// report stays held when the send fails.
func (s *Scheduler) Flush(ctx context.Context) error {
	if _, ok := s.identity.DurableID(); !ok {
		return model.ErrUnregistered
	}
	s.mux.Lock()
	held := s.held
	s.mux.Unlock()
	if held == nil {
		return nil
	}
	if err := s.send(ctx, *held); err != nil {
		return err
	}
	s.mux.Lock()
	if s.held == held {
		s.held = nil
	}
	s.mux.Unlock()
	s.log.Debug("Held status report flushed")
	return nil
}

// Held returns the report waiting for registration.
func (s *Scheduler) Held() (model.StatusReport, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.held == nil {
		return model.StatusReport{}, false
	}
	return *s.held, true
}
