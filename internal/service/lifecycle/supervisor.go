package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/runtime"
	"github.com/Dzakiart19/hostingtele/internal/service/deploy"
)

// supervise watches a launched container until it exits. There is no
// automatic restart.
func (m *Manager) supervise(projectID string, ref runtime.Ref) {
	if !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		code, err := m.runtime.Wait(m.superviseCtx, ref)
		if err != nil {
			if m.superviseCtx.Err() != nil {
				return
			}
			if !errors.Is(err, runtime.ErrNotFound) {
				m.logger.Warn("container wait failed", "project_id", projectID, "container_id", ref, "error", err)
				return
			}
			code = -1
		}
		m.handleExit(m.buildCtx, projectID, ref, code)
	}()
}

// handleExit applies an observed container exit. It acts only if the project
// still runs that container; user stop and delete have already handled it otherwise.
func (m *Manager) handleExit(ctx context.Context, projectID string, ref runtime.Ref, code int64) {
	release, err := m.leases.Acquire(ctx, projectID)
	if err != nil {
		return
	}
	defer release()

	log := m.logger.With("project_id", projectID, "container_id", ref, "exit_code", code)
	p, err := m.projects.GetProject(ctx, projectID)
	if err != nil {
		log.Error("load project after exit failed", "error", err)
		return
	}
	if p.Status != domain.StatusRunning || p.ContainerID != string(ref) {
		log.Debug("exit already handled", "status", p.Status)
		return
	}

	if code == 0 {
		log.Info("container exited cleanly")
		if err := m.transition(ctx, p, domain.StatusStopped, nil); err != nil {
			log.Error("mark project stopped failed", "error", err)
		}
		return
	}

	log.Warn("container crashed")
	tail := m.tailLines(ctx, ref)
	m.removeContainer(ref)
	exitErr := fmt.Errorf("container exited with code %d", code)
	errorLog := deploy.ErrorLog(exitErr, tail, m.opts.ErrorLogLimit)
	m.record(ctx, p.ID, "error", exitErr.Error(), map[string]any{"exit_code": code})
	if err := m.transition(ctx, p, domain.StatusFailed, func(next *domain.Project) {
		next.ContainerID = ""
		next.LastErrorLog = errorLog
	}); err != nil {
		log.Error("mark project failed after crash failed", "error", err)
	}
}

func (m *Manager) tailLines(ctx context.Context, ref runtime.Ref) []string {
	data, err := m.runtime.TailLogs(ctx, ref, m.opts.TailLines)
	if err != nil {
		m.logger.Warn("tail container logs failed", "container_id", ref, "error", err)
		return nil
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
