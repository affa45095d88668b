package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ConfabulousDev/chunkload/internal/upload"
)

type recordingRegistry struct {
	upload.SessionRegistry
	leases     []time.Duration
	retentions []time.Duration
	ttls       []time.Duration
	staleErr   error
}

func (r *recordingRegistry) ReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	r.leases = append(r.leases, olderThan)
	return 2, r.staleErr
}

func (r *recordingRegistry) PurgeDone(_ context.Context, olderThan time.Duration) (int, error) {
	r.retentions = append(r.retentions, olderThan)
	return 3, nil
}

func (r *recordingRegistry) PurgeOpen(_ context.Context, olderThan time.Duration) (int, error) {
	r.ttls = append(r.ttls, olderThan)
	return 4, nil
}

func TestWorkerRunOnce_UsesConfiguredWindows(t *testing.T) {
	reg := &recordingRegistry{}
	w := NewWorker(reg, WorkerConfig{
		PollInterval:         time.Minute,
		AssemblyLeaseTimeout: 15 * time.Minute,
		OutcomeRetention:     24 * time.Hour,
		OpenSessionTTL:       72 * time.Hour,
	})

	res := w.runOnce(context.Background())
	if res != (cycleResult{released: 2, purgedDone: 3, purgedOpen: 4}) {
		t.Errorf("unexpected cycle result %+v", res)
	}
	if len(reg.leases) != 1 || reg.leases[0] != 15*time.Minute {
		t.Errorf("unexpected lease arguments %v", reg.leases)
	}
	if len(reg.retentions) != 1 || reg.retentions[0] != 24*time.Hour {
		t.Errorf("unexpected retention arguments %v", reg.retentions)
	}
	if len(reg.ttls) != 1 || reg.ttls[0] != 72*time.Hour {
		t.Errorf("unexpected open session ttl arguments %v", reg.ttls)
	}
}

func TestWorkerRunOnce_PurgesEvenWhenReleaseFails(t *testing.T) {
	reg := &recordingRegistry{staleErr: errors.New("db down")}
	w := NewWorker(reg, WorkerConfig{PollInterval: time.Minute})

	res := w.runOnce(context.Background())
	if res.purgedDone != 3 || res.purgedOpen != 4 || len(reg.retentions) != 1 || len(reg.ttls) != 1 {
		t.Errorf("expected purges to run after release failure, got %+v", res)
	}
}

func TestWorker_MaintainsMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := upload.NewMemoryRegistry()

	if _, err := reg.Open(ctx, "stuck", 2); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := reg.Claim(ctx, "stuck"); err != nil || !ok {
		t.Fatalf("claim failed: %v %v", ok, err)
	}
	if _, err := reg.Open(ctx, "finished", 1); err != nil {
		t.Fatal(err)
	}
	token, ok, _ := reg.Claim(ctx, "finished")
	if !ok {
		t.Fatal("claim failed")
	}
	if err := reg.Complete(ctx, "finished", token, upload.Result{URL: "http://x/y"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Open(ctx, "abandoned", 4); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	w := NewWorker(reg, WorkerConfig{
		PollInterval:         time.Minute,
		AssemblyLeaseTimeout: time.Millisecond,
		OutcomeRetention:     time.Millisecond,
		OpenSessionTTL:       25 * time.Millisecond,
	})
	res := w.runOnce(ctx)
	if res.released != 1 || res.purgedDone != 1 || res.purgedOpen != 1 {
		t.Fatalf("expected one of each, got %+v", res)
	}

	// Reopening refreshed the stuck session, so it survives the open sweep.
	sess, err := reg.Get(ctx, "stuck")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != upload.StatusOpen {
		t.Errorf("expected stuck session reopened, got %s", sess.Status)
	}
	for _, id := range []string{"finished", "abandoned"} {
		if _, err := reg.Get(ctx, id); !errors.Is(err, upload.ErrSessionNotFound) {
			t.Errorf("expected %s purged, got %v", id, err)
		}
	}
	if reg.Len() != 1 {
		t.Errorf("expected one session left, got %d", reg.Len())
	}
}

func TestWorkerRun_StopsOnCancel(t *testing.T) {
	reg := &recordingRegistry{}
	w := NewWorker(reg, WorkerConfig{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	if len(reg.leases) == 0 {
		t.Error("expected an immediate cycle on startup")
	}
}
