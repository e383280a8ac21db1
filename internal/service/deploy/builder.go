package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/runtime"
	"github.com/Dzakiart19/hostingtele/internal/storage"
	"github.com/Dzakiart19/hostingtele/internal/workspace"
	"github.com/Dzakiart19/hostingtele/pkg/config"
)

const outputTailLines = 40

// LogRecorder persists project log lines.
type LogRecorder interface {
	Record(ctx context.Context, projectID, source, level, message string, metadata map[string]any)
}

// Builder turns a stored archive into a runnable image.
type Builder struct {
	images    runtime.ImageBuilder
	archives  storage.ArchiveStore
	workspace *workspace.Manager
	logs      LogRecorder
	logger    *slog.Logger
	cfg       config.BuilderConfig
	limits    Limits
}

// NewBuilder wires the build pipeline.
func NewBuilder(images runtime.ImageBuilder, archives storage.ArchiveStore, ws *workspace.Manager, logs LogRecorder, logger *slog.Logger, cfg config.BuilderConfig, limits Limits) *Builder {
	return &Builder{
		images:    images,
		archives:  archives,
		workspace: ws,
		logs:      logs,
		logger:    logger.With("component", "builder"),
		cfg:       cfg,
		limits:    limits,
	}
}

// ImageTag returns the image tag for a project.
func (b *Builder) ImageTag(projectID string) string {
	prefix := strings.TrimSuffix(b.cfg.ImagePrefix, ":")
	if prefix == "" {
		prefix = "hostingtele/project"
	}
	return prefix + ":" + projectID
}

// Build extracts the project's archive, renders its Dockerfile and builds the
// image. Failures are returned as *BuildError. The caller holds the project lease.
func (b *Builder) Build(ctx context.Context, project domain.Project) (string, error) {
	if b.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.BuildTimeout)
		defer cancel()
	}
	tag := b.ImageTag(project.ID)
	b.record(ctx, project.ID, "info", "preparing workspace", nil)

	workdir, err := b.workspace.Prepare(project.ID)
	if err != nil {
		return "", b.fail(ctx, project.ID, StageWorkspace, err, nil)
	}
	defer func() {
		if err := b.workspace.Cleanup(workdir); err != nil {
			b.logger.Error("workspace cleanup failed", "project_id", project.ID, "error", err)
		}
	}()

	key := project.ArchiveKey
	if key == "" {
		key = storage.ArchiveKey(project.ID)
	}
	data, err := b.archives.Get(ctx, key)
	if err != nil {
		return "", b.fail(ctx, project.ID, StageFetch, err, nil)
	}
	info, err := extractArchive(data, workdir, b.limits)
	if err != nil {
		return "", b.fail(ctx, project.ID, StageExtract, err, nil)
	}
	b.record(ctx, project.ID, "info", "archive extracted", map[string]any{"files": info.Files, "bytes": info.Bytes})

	kind := project.RuntimeKind
	if kind == "" {
		kind = info.Runtime
	}
	plan, err := prepareRecipe(workdir, kind)
	if err != nil {
		return "", b.fail(ctx, project.ID, StageRecipe, err, nil)
	}
	b.record(ctx, project.ID, "info", "runtime prepared", plan.metadata())

	aggregator := newOutputAggregator(func(line string) {
		b.logger.Debug("docker build output", "project_id", project.ID, "line", line)
		b.record(ctx, project.ID, "info", line, map[string]any{"stage": StageImage})
	})
	onOutput := func(line string) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			return
		}
		aggregator.Add(trimmed)
	}
	labels := map[string]string{
		"hostingtele.project": project.ID,
		"hostingtele.owner":   fmt.Sprintf("%d", project.OwnerID),
	}
	b.record(ctx, project.ID, "info", "building container image", map[string]any{"image": tag})
	if err := b.images.BuildImage(ctx, workdir, tag, labels, onOutput); err != nil {
		aggregator.Flush()
		return "", b.fail(ctx, project.ID, StageImage, err, aggregator.Snapshot(outputTailLines))
	}
	aggregator.Flush()
	b.record(ctx, project.ID, "info", "docker image built", map[string]any{"image": tag})
	b.logger.Info("image built", "project_id", project.ID, "image", tag, "runtime", plan.Runtime)
	return tag, nil
}

// RemoveImage deletes a project's image.
func (b *Builder) RemoveImage(ctx context.Context, tag string) error {
	return b.images.RemoveImage(ctx, tag)
}

// CleanupWorkspace removes leftovers of an interrupted build.
func (b *Builder) CleanupWorkspace(projectID string) error {
	return b.workspace.CleanupByID(projectID)
}

func (b *Builder) fail(ctx context.Context, projectID, stage string, err error, output []string) error {
	b.logger.Error("build stage failed", "project_id", projectID, "stage", stage, "error", err)
	b.record(ctx, projectID, "error", fmt.Sprintf("%s failed: %v", stage, err), map[string]any{"stage": stage})
	return &BuildError{Stage: stage, Err: err, Output: output}
}

func (b *Builder) record(ctx context.Context, projectID, level, message string, metadata map[string]any) {
	if b.logs == nil {
		return
	}
	b.logs.Record(ctx, projectID, domain.LogSourceBuild, level, message, metadata)
}
