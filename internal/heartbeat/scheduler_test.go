package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/heysalad/laura-camera-client/pkg/model"
)

type fakeIdentity struct {
	mux sync.Mutex
	id  string
}

func (f *fakeIdentity) DurableID() (string, bool) {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.id, f.id != ""
}

func (f *fakeIdentity) set(id string) {
	f.mux.Lock()
	f.id = id
	f.mux.Unlock()
}

type recorder struct {
	mux     sync.Mutex
	reports []model.StatusReport
	err     error
}

func (r *recorder) send(ctx context.Context, report model.StatusReport) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.err != nil {
		return r.err
	}
	r.reports = append(r.reports, report)
	return nil
}

func (r *recorder) count() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.reports)
}

func (r *recorder) fail(err error) {
	r.mux.Lock()
	r.err = err
	r.mux.Unlock()
}

func sequence() StatusSource {
	var mux sync.Mutex
	battery := 100
	return func(ctx context.Context) model.StatusReport {
		mux.Lock()
		defer mux.Unlock()
		battery--
		return model.StatusReport{BatteryPercent: battery, WifiSignal: -60, State: model.StateOnline}
	}
}

func waitForCount(t *testing.T, rec *recorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d reports, got %d", n, rec.count())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSchedulerEmitsOnCadence(t *testing.T) {
	clk := clock.NewMock()
	rec := &recorder{}
	s := New(30*time.Second, clk, sequence(), &fakeIdentity{id: "abc-123"}, rec.send)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Can't start heartbeat. Unexpected error: %v", err)
	}
	defer s.Stop()

	waitForCount(t, rec, 1)
	for i := 2; i <= 4; i++ {
		clk.Add(30 * time.Second)
		waitForCount(t, rec, i)
	}
	clk.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 4 {
		t.Errorf("Expected no report before the interval elapsed, got %d", rec.count())
	}

	rec.mux.Lock()
	defer rec.mux.Unlock()
	for i, report := range rec.reports {
		if report.Timestamp.IsZero() {
			t.Errorf("Report %d has no timestamp", i)
		}
		if report.BatteryPercent != 99-i {
			t.Errorf("Expected a fresh report per tick, got battery %d at %d", report.BatteryPercent, i)
		}
	}
}

func TestSchedulerDoubleStart(t *testing.T) {
	s := New(time.Minute, clock.NewMock(), sequence(), &fakeIdentity{id: "abc-123"}, (&recorder{}).send)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Errorf("Expected the second start to fail")
	}
}

func TestSchedulerHoldsReportUntilRegistered(t *testing.T) {
	clk := clock.NewMock()
	rec := &recorder{}
	identity := &fakeIdentity{}
	s := New(30*time.Second, clk, sequence(), identity, rec.send)

	if err := s.Emit(context.Background()); !errors.Is(err, model.ErrUnregistered) {
		t.Fatalf("Expected ErrUnregistered, got %v", err)
	}
	if err := s.Emit(context.Background()); !errors.Is(err, model.ErrUnregistered) {
		t.Fatalf("Expected ErrUnregistered, got %v", err)
	}
	held, ok := s.Held()
	if !ok {
		t.Fatalf("Expected a held report")
	}
	if held.BatteryPercent != 98 {
		t.Errorf("Expected the newest report to be held, got battery %d", held.BatteryPercent)
	}
	if held.State != model.StateError {
		t.Errorf("Expected an unregistered camera to report error, got %s", held.State)
	}
	if rec.count() != 0 {
		t.Errorf("Nothing should be sent before registration")
	}
	if err := s.Flush(context.Background()); !errors.Is(err, model.ErrUnregistered) {
		t.Errorf("Expected flush to wait for registration, got %v", err)
	}

	identity.set("abc-123")
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Can't flush. Unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("Expected the held report to be sent, got %d", rec.count())
	}
	if _, ok := s.Held(); ok {
		t.Errorf("Expected no held report after flush")
	}
	if err := s.Flush(context.Background()); err != nil || rec.count() != 1 {
		t.Errorf("Flush without a held report must be a no-op")
	}
}

func TestSchedulerFailedFlushKeepsReport(t *testing.T) {
	rec := &recorder{}
	identity := &fakeIdentity{}
	s := New(30*time.Second, clock.NewMock(), sequence(), identity, rec.send)
	s.Emit(context.Background())

	identity.set("abc-123")
	rec.fail(errors.New("offline"))
	if err := s.Flush(context.Background()); err == nil {
		t.Fatalf("Expected flush to fail")
	}
	if _, ok := s.Held(); !ok {
		t.Errorf("Expected the report to stay held")
	}
}

func TestSchedulerDoesNotQueueFailedSends(t *testing.T) {
	clk := clock.NewMock()
	rec := &recorder{err: errors.New("offline")}
	s := New(30*time.Second, clk, sequence(), &fakeIdentity{id: "abc-123"}, rec.send)

	if err := s.Emit(context.Background()); err == nil {
		t.Errorf("Expected the send error")
	}
	if _, ok := s.Held(); ok {
		t.Errorf("Failed sends must not be held")
	}
	rec.fail(nil)
	if err := s.Emit(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("Expected only the new report, got %d", rec.count())
	}
}

func TestSchedulerStopsWithContext(t *testing.T) {
	rec := &recorder{}
	s := New(30*time.Second, clock.NewMock(), sequence(), &fakeIdentity{id: "abc-123"}, rec.send)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	waitForCount(t, rec, 1)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
