package application

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T) (*RectifyScheduler, *rectifyFixture) {
	t.Helper()
	f := newRectifyFixture(t, 0)
	s := NewRectifyScheduler(f.svc, time.Hour, testLogger())
	return s, f
}

func TestTriggerRectify(t *testing.T) {
	s, f := newTestScheduler(t)
	f.writeFile(t, "AB", "2021032", "MX_AB_2021032_raw.hdf")

	result, err := s.TriggerRectify(context.Background(), "modax")
	if err != nil {
		t.Fatalf("TriggerRectify: %v", err)
	}
	if result.Assets.Upserts != 1 {
		t.Errorf("asset upserts = %d, want 1", result.Assets.Upserts)
	}
	if result.RectifiedAt.IsZero() {
		t.Errorf("RectifiedAt not set")
	}
}

func TestTriggerRectifyRateLimited(t *testing.T) {
	s, _ := newTestScheduler(t)

	if _, err := s.TriggerRectify(context.Background(), "modax"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	_, err := s.TriggerRectify(context.Background(), "modax")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("second trigger err = %v, want ErrRateLimited", err)
	}
}

func TestTriggerRectifyUnknownDriverDoesNotConsumeLimit(t *testing.T) {
	s, _ := newTestScheduler(t)

	// An unknown driver is an error, and the cooldown still applies:
	// the limit throttles calls, not successes.
	if _, err := s.TriggerRectify(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := s.TriggerRectify(context.Background(), "modax"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s, _ := newTestScheduler(t)

	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSchedulerInterval(t *testing.T) {
	s, _ := newTestScheduler(t)
	if s.Interval() != time.Hour {
		t.Errorf("Interval = %v", s.Interval())
	}
}

func TestMarkDirtyQueuesDriver(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.MarkDirty("modax")

	s.dirtyMu.Lock()
	queued := s.dirty["modax"]
	s.dirtyMu.Unlock()
	if !queued {
		t.Error("driver not queued")
	}
}

func TestHealthService(t *testing.T) {
	catalog := newMockCatalog()
	drivers := Drivers{"modax": testDriverSpec(t)}
	h := NewHealthService(drivers, catalog)

	ctx := context.Background()
	if !h.IsHealthy(ctx) {
		t.Error("IsHealthy = false")
	}
	if !h.IsReady(ctx) {
		t.Error("IsReady = false with a working catalog")
	}

	details := h.GetHealthDetails(ctx)
	if !details.Healthy || !details.Ready || details.Drivers != 1 {
		t.Errorf("details = %+v", details)
	}
	if details.Components["catalog"] != "ok" {
		t.Errorf("catalog component = %q", details.Components["catalog"])
	}
}

func TestHealthServiceNoDrivers(t *testing.T) {
	h := NewHealthService(Drivers{}, newMockCatalog())
	if h.IsReady(context.Background()) {
		t.Error("IsReady = true with no drivers")
	}
}
