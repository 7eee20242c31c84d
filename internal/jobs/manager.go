package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hitushen/fnshortcut/internal/models"
)

// ErrBusy 表示已有任务在执行。
var ErrBusy = errors.New("another run is in progress")

// Runner 执行安装或还原流程。
type Runner interface {
	Install(ctx context.Context) models.Report
	Restore(ctx context.Context) models.Report
	// Ready 按在线网页根目录重新计算就绪状态。
	Ready() bool
}

// Recorder 持久化任务历史。
type Recorder interface {
	BeginRun(ctx context.Context, id string, kind models.RunKind, startedAt time.Time) error
	FinishRun(ctx context.Context, id string, rep models.Report, finishedAt time.Time) error
}

// Observer 接收任务结果，通常是指标。
type Observer interface {
	ObserveRun(rep models.Report)
	SetReady(ready bool)
}

// Manager 在单个后台协程中串行执行安装与还原任务，
// 同一时刻最多只有一个任务处于排队或执行状态。
type Manager struct {
	runner   Runner
	recorder Recorder
	observer Observer
	logger   zerolog.Logger
	delay    time.Duration

	jobs         chan job
	busy         atomic.Bool
	idle         sync.Cond
	idleMu       sync.Mutex
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	stopCh       chan struct{}
}

type job struct {
	ID   string
	Kind models.RunKind
}

// Options 为 Manager 的可选依赖；为 nil 的字段被忽略。
type Options struct {
	Recorder Recorder
	Observer Observer
	// Delay 为请求返回后到任务真正开始之间的等待。
	Delay time.Duration
}

// NewManager 启动工作协程。
func NewManager(runner Runner, logger zerolog.Logger, opts Options) *Manager {
	m := &Manager{
		runner:   runner,
		recorder: opts.Recorder,
		observer: opts.Observer,
		logger:   logger.With().Str("component", "jobs").Logger(),
		delay:    opts.Delay,
		jobs:     make(chan job, 1),
		stopCh:   make(chan struct{}),
	}
	m.idle.L = &m.idleMu
	m.wg.Add(1)
	go m.worker()
	return m
}

// Schedule 排入一次任务并立即返回任务 ID。已有任务时返回 ErrBusy。
func (m *Manager) Schedule(kind models.RunKind) (string, error) {
	if kind != models.RunInstall && kind != models.RunRestore {
		return "", errors.New("unknown run kind: " + string(kind))
	}
	select {
	case <-m.stopCh:
		return "", errors.New("job manager closed")
	default:
	}
	if !m.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	j := job{ID: uuid.NewString(), Kind: kind}
	select {
	case m.jobs <- j:
		m.logger.Info().Str("run", j.ID).Str("kind", string(kind)).Msg("enqueued run")
	case <-m.stopCh:
		m.release()
		return "", errors.New("job manager closed")
	}
	return j.ID, nil
}

// Busy 返回当前是否有任务处于排队或执行状态。
func (m *Manager) Busy() bool {
	return m.busy.Load()
}

// Wait 阻塞直到当前没有任务。
func (m *Manager) Wait() {
	m.idleMu.Lock()
	defer m.idleMu.Unlock()
	for m.busy.Load() {
		m.idle.Wait()
	}
}

// Close 停止接收新任务，并等待正在执行的任务结束。
func (m *Manager) Close() {
	m.shutdownOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	select {
	case j := <-m.jobs:
		m.logger.Warn().Str("run", j.ID).Msg("shutdown before dispatch, run dropped")
		m.release()
	default:
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case j := <-m.jobs:
			m.handle(j)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) handle(j job) {
	defer m.release()

	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		select {
		case <-timer.C:
		case <-m.stopCh:
			timer.Stop()
			m.logger.Warn().Str("run", j.ID).Msg("shutdown before dispatch, run dropped")
			return
		}
	}

	ctx := context.Background()
	startedAt := time.Now()
	if m.recorder != nil {
		if err := m.recorder.BeginRun(ctx, j.ID, j.Kind, startedAt); err != nil {
			m.logger.Error().Err(err).Str("run", j.ID).Msg("record run start")
		}
	}

	var rep models.Report
	switch j.Kind {
	case models.RunInstall:
		rep = m.runner.Install(ctx)
	case models.RunRestore:
		rep = m.runner.Restore(ctx)
	}

	if m.recorder != nil {
		if err := m.recorder.FinishRun(ctx, j.ID, rep, time.Now()); err != nil {
			m.logger.Error().Err(err).Str("run", j.ID).Msg("record run result")
		}
	}
	if m.observer != nil {
		m.observer.ObserveRun(rep)
		m.observer.SetReady(m.runner.Ready())
	}
	m.logger.Info().
		Str("run", j.ID).
		Str("kind", string(j.Kind)).
		Int("warnings", rep.Warnings).
		Int("failures", rep.Failures).
		Dur("duration", rep.Duration).
		Msg("run finished")
}

func (m *Manager) release() {
	m.idleMu.Lock()
	m.busy.Store(false)
	m.idle.Broadcast()
	m.idleMu.Unlock()
}
