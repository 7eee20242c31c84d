package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hitushen/fnshortcut/internal/models"
)

type fakeRunner struct {
	mu       sync.Mutex
	release  chan struct{}
	installs int
	restores int
	ready    bool
	// unpublished 模拟安装后在线目录尚未发布。
	unpublished bool
	cached      bool
}

func (f *fakeRunner) Install(context.Context) models.Report {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	f.cached = true
	f.ready = !f.unpublished
	return models.Report{Kind: models.RunInstall, Warnings: 1}
}

func (f *fakeRunner) Restore(context.Context) models.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	f.cached = false
	f.ready = false
	return models.Report{Kind: models.RunRestore, Failures: 1}
}

func (f *fakeRunner) LastKnownReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached
}

func (f *fakeRunner) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

type memRecorder struct {
	mu       sync.Mutex
	begun    map[string]models.RunKind
	finished map[string]models.Report
}

func newMemRecorder() *memRecorder {
	return &memRecorder{begun: map[string]models.RunKind{}, finished: map[string]models.Report{}}
}

func (r *memRecorder) BeginRun(_ context.Context, id string, kind models.RunKind, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begun[id] = kind
	return nil
}

func (r *memRecorder) FinishRun(_ context.Context, id string, rep models.Report, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[id] = rep
	return nil
}

type memObserver struct {
	mu    sync.Mutex
	runs  []models.Report
	ready bool
}

func (o *memObserver) ObserveRun(rep models.Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, rep)
}

func (o *memObserver) SetReady(ready bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready = ready
}

func TestScheduleRecordsAndObserves(t *testing.T) {
	runner := &fakeRunner{}
	rec := newMemRecorder()
	obs := &memObserver{}
	m := NewManager(runner, zerolog.Nop(), Options{Recorder: rec, Observer: obs})
	defer m.Close()

	id, err := m.Schedule(models.RunInstall)
	if err != nil {
		t.Fatal(err)
	}
	m.Wait()

	rec.mu.Lock()
	if rec.begun[id] != models.RunInstall || rec.finished[id].Warnings != 1 {
		t.Fatalf("run not recorded: begun=%v finished=%v", rec.begun, rec.finished)
	}
	rec.mu.Unlock()

	obs.mu.Lock()
	if len(obs.runs) != 1 || !obs.ready {
		t.Fatalf("observer: runs=%d ready=%v", len(obs.runs), obs.ready)
	}
	obs.mu.Unlock()

	if _, err := m.Schedule(models.RunRestore); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	if runner.restores != 1 {
		t.Fatalf("restores: %d", runner.restores)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.ready {
		t.Fatal("ready gauge must follow restore")
	}
}

func TestReadyGaugeUsesLiveState(t *testing.T) {
	runner := &fakeRunner{unpublished: true}
	obs := &memObserver{ready: true}
	m := NewManager(runner, zerolog.Nop(), Options{Observer: obs})
	defer m.Close()

	if _, err := m.Schedule(models.RunInstall); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	if !runner.LastKnownReady() {
		t.Fatal("fake should cache ready after install")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.ready {
		t.Fatal("gauge must reflect the live web root, not the cached flag")
	}
}

func TestScheduleRejectsWhileBusy(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	m := NewManager(runner, zerolog.Nop(), Options{Delay: 10 * time.Millisecond})
	defer m.Close()

	if _, err := m.Schedule(models.RunInstall); err != nil {
		t.Fatal(err)
	}
	if !m.Busy() {
		t.Fatal("expected busy right after scheduling")
	}
	if _, err := m.Schedule(models.RunRestore); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(runner.release)
	m.Wait()
	if m.Busy() {
		t.Fatal("expected idle after run")
	}
	if runner.installs != 1 || runner.restores != 0 {
		t.Fatalf("installs=%d restores=%d", runner.installs, runner.restores)
	}
}

func TestScheduleUnknownKind(t *testing.T) {
	m := NewManager(&fakeRunner{}, zerolog.Nop(), Options{})
	defer m.Close()
	if _, err := m.Schedule("upgrade"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if m.Busy() {
		t.Fatal("rejected kind must not latch")
	}
}

func TestCloseDropsPendingRun(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(runner, zerolog.Nop(), Options{Delay: time.Hour})
	if _, err := m.Schedule(models.RunInstall); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on dispatch delay")
	}
	m.Wait()
	if runner.installs != 0 {
		t.Fatal("run must not execute after shutdown")
	}
	if _, err := m.Schedule(models.RunInstall); err == nil {
		t.Fatal("expected schedule to fail after close")
	}
}
