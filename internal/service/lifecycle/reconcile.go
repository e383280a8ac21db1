package lifecycle

import (
	"context"
	"errors"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/runtime"
	"github.com/Dzakiart19/hostingtele/internal/service/deploy"
)

const (
	reasonNotRunning  = "container not running after restart"
	reasonInterrupted = "build interrupted"
)

// Reconcile aligns stored state with the container runtime after a restart of
// the orchestrator. Running containers are supervised again, dead ones and
// interrupted builds become FAILED, and pending projects are rescheduled.
func (m *Manager) Reconcile(ctx context.Context) error {
	projects, err := m.projects.ListProjectsByStatus(ctx, domain.StatusRunning, domain.StatusProcessing, domain.StatusPending)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if err := m.reconcileOne(ctx, p.ID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error("reconcile project failed", "project_id", p.ID, "error", err)
		}
	}
	m.logger.Info("reconciliation finished", "projects", len(projects))
	return nil
}

func (m *Manager) reconcileOne(ctx context.Context, projectID string) error {
	release, err := m.leases.Acquire(ctx, projectID)
	if err != nil {
		return err
	}
	defer release()

	p, err := m.projects.GetProject(ctx, projectID)
	if err != nil {
		return mapStoreError(err)
	}
	switch p.Status {
	case domain.StatusRunning:
		ref := runtime.Ref(p.ContainerID)
		alive := false
		if ref != "" {
			alive, err = m.runtime.IsAlive(ctx, ref)
			if err != nil && !errors.Is(err, runtime.ErrNotFound) {
				return err
			}
		}
		if alive {
			m.supervise(p.ID, ref)
			return nil
		}
		var tail []string
		if ref != "" {
			tail = m.tailLines(ctx, ref)
			m.removeContainer(ref)
		}
		return m.failWith(ctx, p, reasonNotRunning, tail)
	case domain.StatusProcessing:
		if err := m.builder.CleanupWorkspace(p.ID); err != nil {
			m.logger.Warn("workspace cleanup failed", "project_id", p.ID, "error", err)
		}
		return m.failWith(ctx, p, reasonInterrupted, nil)
	case domain.StatusPending:
		m.ScheduleBuild(p.ID)
	}
	return nil
}

func (m *Manager) failWith(ctx context.Context, p *domain.Project, reason string, tail []string) error {
	m.record(ctx, p.ID, "error", reason, nil)
	errorLog := deploy.ErrorLog(errors.New(reason), tail, m.opts.ErrorLogLimit)
	return m.transition(ctx, p, domain.StatusFailed, func(next *domain.Project) {
		next.ContainerID = ""
		next.LastErrorLog = errorLog
	})
}
