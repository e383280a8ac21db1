// Package lifecycle owns project state transitions, builds and container
// supervision. Every mutating operation runs under the project's lease.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/repository"
	"github.com/Dzakiart19/hostingtele/internal/runtime"
	"github.com/Dzakiart19/hostingtele/internal/service/deploy"
	"github.com/Dzakiart19/hostingtele/pkg/crypto"
)

const (
	defaultWorkers       = 4
	defaultStopGrace     = 10 * time.Second
	defaultErrorLogLimit = 4096
	defaultTailLines     = 200
	defaultPrefix        = "hostingtele"
)

// Builder produces images for projects.
type Builder interface {
	Build(ctx context.Context, project domain.Project) (string, error)
	RemoveImage(ctx context.Context, tag string) error
	CleanupWorkspace(projectID string) error
}

// ArchiveRemover deletes stored project archives.
type ArchiveRemover interface {
	Delete(ctx context.Context, key string) error
}

// LogRecorder persists project log lines.
type LogRecorder interface {
	Record(ctx context.Context, projectID, source, level, message string, metadata map[string]any)
	Purge(ctx context.Context, projectID string) error
}

// Options tunes the manager.
type Options struct {
	Workers         int
	StopGrace       time.Duration
	Limits          runtime.Limits
	ContainerPrefix string
	ErrorLogLimit   int
	TailLines       int
	EncryptionKey   string
	// PurgeLogs drops the stored log stream once a project is tombstoned.
	PurgeLogs  bool
	Registerer prometheus.Registerer
}

// Manager is the lifecycle state machine.
type Manager struct {
	projects repository.ProjectRepository
	runtime  runtime.ContainerRuntime
	builder  Builder
	archives ArchiveRemover
	logs     LogRecorder
	logger   *slog.Logger
	opts     Options

	leases  *leases
	workers *semaphore.Weighted
	metrics *metrics
	now     func() time.Time

	// buildCtx bounds builds and exit handling; superviseCtx bounds the
	// long running Wait calls so Shutdown can release them first.
	buildCtx       context.Context
	cancelBuilds   context.CancelFunc
	superviseCtx   context.Context
	stopSupervisor context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New constructs a Manager.
func New(projects repository.ProjectRepository, rt runtime.ContainerRuntime, builder Builder, archives ArchiveRemover, logs LogRecorder, logger *slog.Logger, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.ErrorLogLimit <= 0 {
		opts.ErrorLogLimit = defaultErrorLogLimit
	}
	if opts.TailLines <= 0 {
		opts.TailLines = defaultTailLines
	}
	if opts.ContainerPrefix == "" {
		opts.ContainerPrefix = defaultPrefix
	}
	buildCtx, cancelBuilds := context.WithCancel(context.Background())
	superviseCtx, stopSupervisor := context.WithCancel(context.Background())
	return &Manager{
		projects:       projects,
		runtime:        rt,
		builder:        builder,
		archives:       archives,
		logs:           logs,
		logger:         logger.With("component", "lifecycle"),
		opts:           opts,
		leases:         newLeases(),
		workers:        semaphore.NewWeighted(int64(opts.Workers)),
		metrics:        newMetrics(opts.Registerer),
		now:            time.Now,
		buildCtx:       buildCtx,
		cancelBuilds:   cancelBuilds,
		superviseCtx:   superviseCtx,
		stopSupervisor: stopSupervisor,
	}
}

// Start runs a stopped project again or rebuilds a failed one. Starting a
// running project is a no-op.
func (m *Manager) Start(ctx context.Context, ownerID int64, projectID string) (domain.Project, error) {
	release, ok := m.leases.TryAcquire(projectID)
	if !ok {
		return domain.Project{}, ErrConflict
	}
	defer release()

	p, err := m.load(ctx, ownerID, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	switch p.Status {
	case domain.StatusRunning:
		return *p, nil
	case domain.StatusStopped:
		if err := m.relaunch(ctx, p); err != nil {
			return domain.Project{}, err
		}
		return *p, nil
	case domain.StatusFailed:
		if err := m.transition(ctx, p, domain.StatusProcessing, nil); err != nil {
			return domain.Project{}, err
		}
		m.ScheduleBuild(p.ID)
		return *p, nil
	default:
		return domain.Project{}, fmt.Errorf("%w: project is %s", ErrConflict, p.Status)
	}
}

// relaunch starts a fresh container from the last built image. The old
// container is removed only once the new one is recorded, so a failed launch
// leaves the project STOPPED as it was.
func (m *Manager) relaunch(ctx context.Context, p *domain.Project) error {
	if p.ImageRef == "" {
		return fmt.Errorf("project %s has no built image", p.ID)
	}
	stale := p.ContainerID
	ref, err := m.launch(ctx, *p, p.ImageRef)
	if err != nil {
		m.record(ctx, p.ID, "error", "container launch failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("launch container: %w", err)
	}
	if err := m.transition(ctx, p, domain.StatusRunning, func(next *domain.Project) {
		next.ContainerID = string(ref)
	}); err != nil {
		m.removeContainer(ref)
		return err
	}
	if stale != "" {
		m.removeContainer(runtime.Ref(stale))
	}
	m.supervise(p.ID, ref)
	return nil
}

// Stop terminates a running project's container and keeps its reference.
func (m *Manager) Stop(ctx context.Context, ownerID int64, projectID string) (domain.Project, error) {
	release, ok := m.leases.TryAcquire(projectID)
	if !ok {
		return domain.Project{}, ErrConflict
	}
	defer release()

	p, err := m.load(ctx, ownerID, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Status != domain.StatusRunning {
		return domain.Project{}, fmt.Errorf("%w: project is %s", ErrInvalidState, p.Status)
	}
	if err := m.runtime.Stop(ctx, runtime.Ref(p.ContainerID), m.opts.StopGrace); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return domain.Project{}, fmt.Errorf("stop container: %w", err)
	}
	if err := m.transition(ctx, p, domain.StatusStopped, nil); err != nil {
		return domain.Project{}, err
	}
	return *p, nil
}

// Delete tears a project down and tombstones it. Deleting twice reports ErrNotFound.
func (m *Manager) Delete(ctx context.Context, ownerID int64, projectID string) error {
	release, ok := m.leases.TryAcquire(projectID)
	if !ok {
		return ErrConflict
	}
	defer release()

	p, err := m.load(ctx, ownerID, projectID)
	if err != nil {
		return err
	}
	if p.ContainerID != "" {
		ref := runtime.Ref(p.ContainerID)
		if p.Status == domain.StatusRunning {
			if err := m.runtime.Stop(ctx, ref, m.opts.StopGrace); err != nil && !errors.Is(err, runtime.ErrNotFound) {
				m.logger.Warn("stop before delete failed", "project_id", p.ID, "error", err)
			}
		}
		if err := m.runtime.Remove(ctx, ref); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	if p.ImageRef != "" {
		if err := m.builder.RemoveImage(ctx, p.ImageRef); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			m.logger.Warn("image removal failed", "project_id", p.ID, "image", p.ImageRef, "error", err)
		}
	}
	if p.ArchiveKey != "" && m.archives != nil {
		if err := m.archives.Delete(ctx, p.ArchiveKey); err != nil {
			m.logger.Warn("archive removal failed", "project_id", p.ID, "error", err)
		}
	}
	if err := m.builder.CleanupWorkspace(p.ID); err != nil {
		m.logger.Warn("workspace cleanup failed", "project_id", p.ID, "error", err)
	}
	if err := m.transition(ctx, p, domain.StatusDeleted, func(next *domain.Project) {
		next.ContainerID = ""
		next.ImageRef = ""
	}); err != nil {
		return err
	}
	if m.opts.PurgeLogs && m.logs != nil {
		if err := m.logs.Purge(context.WithoutCancel(ctx), p.ID); err != nil {
			m.logger.Warn("log purge failed", "project_id", p.ID, "error", err)
		}
	}
	return nil
}

// ScheduleBuild queues a build on the worker pool.
func (m *Manager) ScheduleBuild(projectID string) {
	if !m.track() {
		m.logger.Warn("build not scheduled, manager is shutting down", "project_id", projectID)
		return
	}
	go func() {
		defer m.wg.Done()
		if err := m.workers.Acquire(m.buildCtx, 1); err != nil {
			return
		}
		defer m.workers.Release(1)
		m.runBuild(m.buildCtx, projectID)
	}()
}

func (m *Manager) runBuild(ctx context.Context, projectID string) {
	release, err := m.leases.Acquire(ctx, projectID)
	if err != nil {
		return
	}
	defer release()

	log := m.logger.With("project_id", projectID)
	p, err := m.projects.GetProject(ctx, projectID)
	if err != nil {
		log.Error("load project for build failed", "error", err)
		return
	}
	switch p.Status {
	case domain.StatusPending:
		if err := m.transition(ctx, p, domain.StatusProcessing, nil); err != nil {
			log.Error("mark project processing failed", "error", err)
			return
		}
	case domain.StatusProcessing:
	default:
		log.Info("build skipped", "status", p.Status)
		return
	}

	started := m.now()
	m.record(ctx, p.ID, "info", "build started", nil)
	image, err := m.builder.Build(ctx, *p)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("build interrupted", "error", err)
			return
		}
		m.metrics.builds.WithLabelValues("failed").Inc()
		m.fail(ctx, p, err)
		return
	}

	ref, err := m.launch(ctx, *p, image)
	if err != nil {
		m.metrics.builds.WithLabelValues("failed").Inc()
		p.ImageRef = image
		m.fail(ctx, p, &deploy.BuildError{Stage: deploy.StageLaunch, Err: err})
		return
	}
	if err := m.transition(ctx, p, domain.StatusRunning, func(next *domain.Project) {
		next.ContainerID = string(ref)
		next.ImageRef = image
		next.LastErrorLog = ""
	}); err != nil {
		log.Error("mark project running failed", "error", err)
		m.removeContainer(ref)
		return
	}
	m.metrics.builds.WithLabelValues("succeeded").Inc()
	log.Info("project running", "container_id", ref, "image", image, "duration_ms", m.now().Sub(started).Milliseconds())
	m.supervise(p.ID, ref)
}

// fail records the failure tail and moves the project to FAILED.
func (m *Manager) fail(ctx context.Context, p *domain.Project, err error) {
	var output []string
	var berr *deploy.BuildError
	if errors.As(err, &berr) {
		output = berr.Output
	}
	errorLog := deploy.ErrorLog(err, output, m.opts.ErrorLogLimit)
	image := p.ImageRef
	if terr := m.transition(ctx, p, domain.StatusFailed, func(next *domain.Project) {
		next.ContainerID = ""
		next.ImageRef = image
		next.LastErrorLog = errorLog
	}); terr != nil {
		m.logger.Error("persist failed status failed", "project_id", p.ID, "error", terr)
	}
}

func (m *Manager) launch(ctx context.Context, p domain.Project, image string) (runtime.Ref, error) {
	credential, err := crypto.DecryptToString(m.opts.EncryptionKey, p.EncryptedCredential)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	spec := runtime.LaunchSpec{
		Name:   fmt.Sprintf("%s_%s_%d", m.opts.ContainerPrefix, p.ID, m.now().UnixNano()),
		Image:  image,
		Env:    []string{"BOT_TOKEN=" + credential},
		Limits: m.opts.Limits,
		Labels: map[string]string{
			"hostingtele.project": p.ID,
			"hostingtele.owner":   strconv.FormatInt(p.OwnerID, 10),
		},
	}
	ref, err := m.runtime.Launch(ctx, spec)
	if err != nil {
		return "", err
	}
	m.record(ctx, p.ID, "info", "container started", map[string]any{"container_id": string(ref), "image": image})
	return ref, nil
}

func (m *Manager) load(ctx context.Context, ownerID int64, projectID string) (*domain.Project, error) {
	p, err := m.projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidArgument) {
			return nil, ErrNotFound
		}
		return nil, mapStoreError(err)
	}
	if !p.OwnedBy(ownerID) {
		return nil, ErrNotFound
	}
	return p, nil
}

// transition applies one compare-and-swap write moving p to status to. On
// success p holds the stored row.
func (m *Manager) transition(ctx context.Context, p *domain.Project, to domain.ProjectStatus, mutate func(*domain.Project)) error {
	from := p.Status
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidState, from, to)
	}
	next := *p
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	if err := m.projects.UpdateProject(ctx, &next, p.UpdatedAt); err != nil {
		return mapStoreError(err)
	}
	*p = next
	m.metrics.transitions.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Info("project status changed", "project_id", p.ID, "from", from, "to", to)
	m.record(ctx, p.ID, "info", fmt.Sprintf("status changed from %s to %s", from, to), map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

func (m *Manager) removeContainer(ref runtime.Ref) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.runtime.Remove(ctx, ref); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		m.logger.Warn("container removal failed", "container_id", ref, "error", err)
	}
}

func (m *Manager) record(ctx context.Context, projectID, level, message string, metadata map[string]any) {
	if m.logs == nil {
		return
	}
	m.logs.Record(ctx, projectID, domain.LogSourceLifecycle, level, message, metadata)
}

// track registers background work unless the manager is shutting down.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

// Shutdown stops accepting work and waits for builds and exit handlers.
// Containers keep running; Reconcile re-attaches them on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopSupervisor()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancelBuilds()
		return nil
	case <-ctx.Done():
		m.cancelBuilds()
		<-done
		return ctx.Err()
	}
}
