package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/repository"
	"github.com/Dzakiart19/hostingtele/internal/repository/memory"
	"github.com/Dzakiart19/hostingtele/internal/runtime"
	"github.com/Dzakiart19/hostingtele/internal/service/deploy"
	"github.com/Dzakiart19/hostingtele/internal/service/logs"
	"github.com/Dzakiart19/hostingtele/pkg/crypto"
)

const (
	testSecret = "lifecycle-secret"
	testToken  = "123:abc"
	ownerID    = int64(77)
)

type fakeContainer struct {
	spec    runtime.LaunchSpec
	alive   bool
	removed bool
	stopped bool
	exit    chan int64
}

type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[runtime.Ref]*fakeContainer
	launches   []runtime.LaunchSpec
	launchErr  error
	logs       []byte
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[runtime.Ref]*fakeContainer{}}
}

func (f *fakeRuntime) Launch(_ context.Context, spec runtime.LaunchSpec) (runtime.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return "", f.launchErr
	}
	f.seq++
	ref := runtime.Ref(fmt.Sprintf("c%d", f.seq))
	f.containers[ref] = &fakeContainer{spec: spec, alive: true, exit: make(chan int64, 1)}
	f.launches = append(f.launches, spec)
	return ref, nil
}

// terminate simulates the process exiting with code.
func (f *fakeRuntime) terminate(ref runtime.Ref, code int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	if !ok || !c.alive {
		return
	}
	c.alive = false
	c.exit <- code
}

func (f *fakeRuntime) Stop(_ context.Context, ref runtime.Ref, _ time.Duration) error {
	f.mu.Lock()
	c, ok := f.containers[ref]
	if ok {
		c.stopped = true
	}
	f.mu.Unlock()
	if !ok {
		return runtime.ErrNotFound
	}
	f.terminate(ref, 143)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, ref runtime.Ref) error {
	f.mu.Lock()
	c, ok := f.containers[ref]
	if ok {
		c.removed = true
	}
	f.mu.Unlock()
	if ok {
		f.terminate(ref, 137)
	}
	return nil
}

func (f *fakeRuntime) TailLogs(context.Context, runtime.Ref, int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeRuntime) IsAlive(_ context.Context, ref runtime.Ref) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	if !ok {
		return false, runtime.ErrNotFound
	}
	return c.alive, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, ref runtime.Ref) (int64, error) {
	f.mu.Lock()
	c, ok := f.containers[ref]
	f.mu.Unlock()
	if !ok {
		return 0, runtime.ErrNotFound
	}
	select {
	case code := <-c.exit:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeRuntime) container(ref string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[runtime.Ref(ref)]
}

func (f *fakeRuntime) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

type fakeBuilder struct {
	mu      sync.Mutex
	builds  int
	err     error
	gate    chan struct{}
	removed []string
	cleaned []string
}

func (b *fakeBuilder) Build(ctx context.Context, p domain.Project) (string, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds++
	if b.err != nil {
		return "", b.err
	}
	return "hostingtele/project:" + p.ID, nil
}

func (b *fakeBuilder) RemoveImage(_ context.Context, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, tag)
	return nil
}

func (b *fakeBuilder) CleanupWorkspace(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleaned = append(b.cleaned, id)
	return nil
}

func (b *fakeBuilder) buildCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds
}

type fakeArchives struct {
	mu      sync.Mutex
	deleted []string
}

func (a *fakeArchives) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, key)
	return nil
}

type env struct {
	store    *memory.Store
	rt       *fakeRuntime
	builder  *fakeBuilder
	archives *fakeArchives
	mgr      *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithLogs(t, nil)
}

// newEnvWithLogs wires a manager whose log recorder is built over the env's
// store. A nil factory leaves lifecycle logging off.
func newEnvWithLogs(t *testing.T, recorder func(*memory.Store, *slog.Logger) LogRecorder, mutate ...func(*Options)) *env {
	t.Helper()
	e := &env{
		store:    memory.New(),
		rt:       newFakeRuntime(),
		builder:  &fakeBuilder{},
		archives: &fakeArchives{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := Options{
		Workers:       2,
		EncryptionKey: testSecret,
		Limits:        runtime.Limits{NanoCPUs: 500_000_000, MemoryBytes: 256 << 20, PidsLimit: 128},
		Registerer:    prometheus.NewRegistry(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	var rec LogRecorder
	if recorder != nil {
		rec = recorder(e.store, logger)
	}
	e.mgr = New(e.store, e.rt, e.builder, e.archives, rec, logger, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.mgr.Shutdown(ctx)
	})
	return e
}

var projectSeq atomic.Int64

func (e *env) seed(t *testing.T, status domain.ProjectStatus, mutate func(*domain.Project)) domain.Project {
	t.Helper()
	credential, err := crypto.EncryptString(testSecret, testToken)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	p := domain.Project{
		ID:                  fmt.Sprintf("p%d", projectSeq.Add(1)),
		OwnerID:             ownerID,
		Name:                "bot",
		Status:              status,
		RuntimeKind:         domain.RuntimePython,
		EncryptedCredential: credential,
		ArchiveKey:          "projects/x/source.zip",
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if mutate != nil {
		mutate(&p)
	}
	if err := e.store.CreateProject(context.Background(), &p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func (e *env) get(t *testing.T, id string) domain.Project {
	t.Helper()
	p, err := e.store.GetProject(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	return *p
}

func (e *env) waitStatus(t *testing.T, id string, want domain.ProjectStatus) domain.Project {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		p := e.get(t, id)
		if p.Status == want {
			return p
		}
		if time.Now().After(deadline) {
			t.Fatalf("project %s status = %s, want %s", id, p.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// running drives a fresh project through the build into RUNNING.
func (e *env) running(t *testing.T) domain.Project {
	t.Helper()
	p := e.seed(t, domain.StatusPending, nil)
	e.mgr.ScheduleBuild(p.ID)
	return e.waitStatus(t, p.ID, domain.StatusRunning)
}

func TestBuildScenarioReachesRunning(t *testing.T) {
	e := newEnv(t)
	p := e.running(t)

	if p.ContainerID == "" || p.ImageRef != "hostingtele/project:"+p.ID || p.LastErrorLog != "" {
		t.Fatalf("unexpected running project: %+v", p)
	}
	if e.rt.launchCount() != 1 {
		t.Fatalf("expected one launch, got %d", e.rt.launchCount())
	}
	spec := e.rt.container(p.ContainerID).spec
	if !strings.HasPrefix(spec.Name, "hostingtele_"+p.ID+"_") {
		t.Fatalf("unexpected container name %q", spec.Name)
	}
	if len(spec.Env) != 1 || spec.Env[0] != "BOT_TOKEN="+testToken {
		t.Fatalf("unexpected env %v", spec.Env)
	}
	if spec.Labels["hostingtele.project"] != p.ID || spec.Labels["hostingtele.owner"] != "77" {
		t.Fatalf("unexpected labels %v", spec.Labels)
	}
	if spec.Limits.PidsLimit != 128 {
		t.Fatalf("limits not forwarded: %+v", spec.Limits)
	}
	if got := testutil.ToFloat64(e.mgr.metrics.transitions.WithLabelValues("PENDING", "PROCESSING")); got != 1 {
		t.Fatalf("expected one PENDING->PROCESSING transition, got %v", got)
	}
	if got := testutil.ToFloat64(e.mgr.metrics.builds.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("expected one successful build, got %v", got)
	}
}

func TestBuildFailureRecordsErrorLog(t *testing.T) {
	e := newEnv(t)
	e.builder.err = &deploy.BuildError{Stage: deploy.StageImage, Err: errors.New("exit status 1"), Output: []string{"ERROR: No matching distribution found for telegrm"}}
	p := e.seed(t, domain.StatusPending, nil)
	e.mgr.ScheduleBuild(p.ID)

	failed := e.waitStatus(t, p.ID, domain.StatusFailed)
	if !strings.Contains(failed.LastErrorLog, "docker_build failed") || !strings.Contains(failed.LastErrorLog, "No matching distribution") {
		t.Fatalf("unexpected error log %q", failed.LastErrorLog)
	}
	if failed.ContainerID != "" {
		t.Fatalf("failed project must not keep a container ref")
	}
	if e.rt.launchCount() != 0 {
		t.Fatalf("failed build must not launch")
	}
}

func TestLaunchFailureMarksFailed(t *testing.T) {
	e := newEnv(t)
	e.rt.launchErr = errors.New("no such image")
	p := e.seed(t, domain.StatusPending, nil)
	e.mgr.ScheduleBuild(p.ID)

	failed := e.waitStatus(t, p.ID, domain.StatusFailed)
	if !strings.Contains(failed.LastErrorLog, "container_start failed: no such image") {
		t.Fatalf("unexpected error log %q", failed.LastErrorLog)
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	e := newEnv(t)
	p := e.running(t)

	got, err := e.mgr.Start(context.Background(), ownerID, p.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got.Status != domain.StatusRunning || got.ContainerID != p.ContainerID {
		t.Fatalf("unexpected project after start: %+v", got)
	}
	if e.rt.launchCount() != 1 {
		t.Fatalf("start while running must not launch again")
	}
}

func TestStopThenStartRelaunchesWithoutRebuild(t *testing.T) {
	e := newEnv(t)
	p := e.running(t)
	ctx := context.Background()

	stopped, err := e.mgr.Stop(ctx, ownerID, p.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != domain.StatusStopped || stopped.ContainerID != p.ContainerID || stopped.LastErrorLog != "" {
		t.Fatalf("unexpected stopped project: %+v", stopped)
	}
	if !e.rt.container(p.ContainerID).stopped {
		t.Fatalf("container was not stopped")
	}

	started, err := e.mgr.Start(ctx, ownerID, p.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != domain.StatusRunning || started.ContainerID == p.ContainerID {
		t.Fatalf("expected a new container, got %+v", started)
	}
	if e.builder.buildCount() != 1 {
		t.Fatalf("restart must not rebuild, builds = %d", e.builder.buildCount())
	}
	if !e.rt.container(p.ContainerID).removed {
		t.Fatalf("stale container should be removed")
	}

	// The stopped container's exit must not disturb the new RUNNING state.
	time.Sleep(20 * time.Millisecond)
	if cur := e.get(t, p.ID); cur.Status != domain.StatusRunning || cur.ContainerID != started.ContainerID {
		t.Fatalf("unexpected state after restart: %+v", cur)
	}
}

func TestStartStoppedRollsBackOnLaunchFailure(t *testing.T) {
	e := newEnv(t)
	p := e.running(t)
	ctx := context.Background()
	if _, err := e.mgr.Stop(ctx, ownerID, p.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	e.rt.mu.Lock()
	e.rt.launchErr = errors.New("daemon unavailable")
	e.rt.mu.Unlock()

	if _, err := e.mgr.Start(ctx, ownerID, p.ID); err == nil {
		t.Fatalf("expected launch error")
	}
	cur := e.get(t, p.ID)
	if cur.Status != domain.StatusStopped || cur.ContainerID != p.ContainerID {
		t.Fatalf("expected project to stay STOPPED with its container, got %+v", cur)
	}
}

func TestStopRequiresRunning(t *testing.T) {
	e := newEnv(t)
	p := e.seed(t, domain.StatusStopped, func(p *domain.Project) { p.ContainerID = "old" })
	if _, err := e.mgr.Stop(context.Background(), ownerID, p.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	failed := e.seed(t, domain.StatusFailed, nil)
	if _, err := e.mgr.Stop(context.Background(), ownerID, failed.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for FAILED, got %v", err)
	}
}

func TestOperationsConflictWhileLeaseHeld(t *testing.T) {
	e := newEnv(t)
	p := e.seed(t, domain.StatusStopped, func(p *domain.Project) { p.ContainerID = "old"; p.ImageRef = "img" })
	release, ok := e.mgr.leases.TryAcquire(p.ID)
	if !ok {
		t.Fatalf("lease unexpectedly held")
	}
	defer release()
	ctx := context.Background()
	if _, err := e.mgr.Start(ctx, ownerID, p.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("Start: expected ErrConflict, got %v", err)
	}
	if _, err := e.mgr.Stop(ctx, ownerID, p.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("Stop: expected ErrConflict, got %v", err)
	}
	if err := e.mgr.Delete(ctx, ownerID, p.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("Delete: expected ErrConflict, got %v", err)
	}
}

func TestStartPendingOrProcessingConflicts(t *testing.T) {
	e := newEnv(t)
	for _, status := range []domain.ProjectStatus{domain.StatusPending, domain.StatusProcessing} {
		p := e.seed(t, status, nil)
		if _, err := e.mgr.Start(context.Background(), ownerID, p.ID); !errors.Is(err, ErrConflict) {
			t.Fatalf("Start(%s): expected ErrConflict, got %v", status, err)
		}
	}
}

func TestForeignOrMissingProjectsAreNotFound(t *testing.T) {
	e := newEnv(t)
	p := e.seed(t, domain.StatusStopped, func(p *domain.Project) { p.ContainerID = "old" })
	ctx := context.Background()
	if _, err := e.mgr.Start(ctx, ownerID+1, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start by another owner: %v", err)
	}
	if _, err := e.mgr.Stop(ctx, ownerID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stop missing: %v", err)
	}
	if err := e.mgr.Delete(ctx, ownerID+1, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete by another owner: %v", err)
	}
}

type malformedIDStore struct {
	*memory.Store
}

func (malformedIDStore) GetProject(context.Context, string) (*domain.Project, error) {
	return nil, repository.ErrInvalidArgument
}

func TestMalformedProjectIDIsNotFound(t *testing.T) {
	e := newEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := New(malformedIDStore{e.store}, e.rt, e.builder, e.archives, nil, logger, Options{
		EncryptionKey: testSecret,
		Registerer:    prometheus.NewRegistry(),
	})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	ctx := context.Background()

	if _, err := mgr.Start(ctx, ownerID, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start: expected ErrNotFound, got %v", err)
	}
	if _, err := mgr.Stop(ctx, ownerID, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stop: expected ErrNotFound, got %v", err)
	}
	if err := mgr.Delete(ctx, ownerID, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete: expected ErrNotFound, got %v", err)
	}
}

func TestDeletePurgesLogsWhenEnabled(t *testing.T) {
	recorder := func(store *memory.Store, logger *slog.Logger) LogRecorder {
		return logs.New(store, nil, logger)
	}
	for _, purge := range []bool{false, true} {
		t.Run(fmt.Sprintf("purge=%v", purge), func(t *testing.T) {
			e := newEnvWithLogs(t, recorder, func(o *Options) { o.PurgeLogs = purge })
			p := e.running(t)
			ctx := context.Background()
			before, err := e.store.ListLogs(ctx, p.ID, 100, 0)
			if err != nil || len(before) == 0 {
				t.Fatalf("expected lifecycle log lines before delete: %d %v", len(before), err)
			}

			if err := e.mgr.Delete(ctx, ownerID, p.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			after, err := e.store.ListLogs(ctx, p.ID, 100, 0)
			if err != nil {
				t.Fatalf("ListLogs: %v", err)
			}
			if purge && len(after) != 0 {
				t.Fatalf("expected logs purged, got %d lines", len(after))
			}
			if !purge && len(after) <= len(before) {
				t.Fatalf("expected logs kept and the delete recorded, got %d lines (had %d)", len(after), len(before))
			}
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	e := newEnv(t)
	p := e.running(t)
	ctx := context.Background()

	if err := e.mgr.Delete(ctx, ownerID, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	deleted := e.get(t, p.ID)
	if deleted.Status != domain.StatusDeleted || deleted.ContainerID != "" {
		t.Fatalf("unexpected deleted project: %+v", deleted)
	}
	c := e.rt.container(p.ContainerID)
	if !c.stopped || !c.removed {
		t.Fatalf("container should be stopped and removed: %+v", c)
	}
	if len(e.builder.removed) != 1 || len(e.archives.deleted) != 1 {
		t.Fatalf("image and archive should be removed: %v %v", e.builder.removed, e.archives.deleted)
	}

	if err := e.mgr.Delete(ctx, ownerID, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
	if _, err := e.mgr.Start(ctx, ownerID, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("start after delete: expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentStartsLaunchOnce(t *testing.T) {
	e := newEnv(t)
	p := e.seed(t, domain.StatusStopped, func(p *domain.Project) { p.ContainerID = "old"; p.ImageRef = "img" })

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.mgr.Start(context.Background(), ownerID, p.ID)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if e.rt.launchCount() != 1 {
		t.Fatalf("expected exactly one launch, got %d", e.rt.launchCount())
	}
	if cur := e.get(t, p.ID); cur.Status != domain.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", cur.Status)
	}
}

func TestStartFailedRebuilds(t *testing.T) {
	e := newEnv(t)
	e.builder.gate = make(chan struct{})
	p := e.seed(t, domain.StatusFailed, func(p *domain.Project) { p.LastErrorLog = "old failure"; p.ImageRef = "img" })

	got, err := e.mgr.Start(context.Background(), ownerID, p.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got.Status != domain.StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", got.Status)
	}
	close(e.builder.gate)
	running := e.waitStatus(t, p.ID, domain.StatusRunning)
	if running.LastErrorLog != "" || e.builder.buildCount() != 1 {
		t.Fatalf("unexpected project after rebuild: %+v (builds %d)", running, e.builder.buildCount())
	}
}

func TestSupervisorCrashMarksFailed(t *testing.T) {
	e := newEnv(t)
	p := e.running(t)
	e.rt.mu.Lock()
	e.rt.logs = []byte("Traceback (most recent call last):\nKeyError: 'TOKEN'\n")
	e.rt.mu.Unlock()

	e.rt.terminate(runtime.Ref(p.ContainerID), 1)
	failed := e.waitStatus(t, p.ID, domain.StatusFailed)
	if failed.ContainerID != "" {
		t.Fatalf("crashed project must drop its container ref")
	}
	if !strings.Contains(failed.LastErrorLog, "container exited with code 1") || !strings.Contains(failed.LastErrorLog, "KeyError: 'TOKEN'") {
		t.Fatalf("unexpected error log %q", failed.LastErrorLog)
	}
	if !e.rt.container(p.ContainerID).removed {
		t.Fatalf("crashed container should be removed")
	}
	if e.rt.launchCount() != 1 {
		t.Fatalf("crash must not restart automatically")
	}
}

func TestSupervisorCleanExitStops(t *testing.T) {
	e := newEnv(t)
	p := e.running(t)
	e.rt.terminate(runtime.Ref(p.ContainerID), 0)
	stopped := e.waitStatus(t, p.ID, domain.StatusStopped)
	if stopped.ContainerID != p.ContainerID || stopped.LastErrorLog != "" {
		t.Fatalf("unexpected stopped project: %+v", stopped)
	}
}

func TestReconcile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	liveRef, _ := e.rt.Launch(ctx, runtime.LaunchSpec{Name: "live"})
	deadRef, _ := e.rt.Launch(ctx, runtime.LaunchSpec{Name: "dead"})
	e.rt.terminate(deadRef, 1)
	<-e.rt.container(string(deadRef)).exit

	alive := e.seed(t, domain.StatusRunning, func(p *domain.Project) { p.ContainerID = string(liveRef) })
	dead := e.seed(t, domain.StatusRunning, func(p *domain.Project) { p.ContainerID = string(deadRef) })
	gone := e.seed(t, domain.StatusRunning, func(p *domain.Project) { p.ContainerID = "vanished" })
	building := e.seed(t, domain.StatusProcessing, nil)
	pending := e.seed(t, domain.StatusPending, nil)

	if err := e.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if cur := e.get(t, alive.ID); cur.Status != domain.StatusRunning {
		t.Fatalf("live container should stay RUNNING, got %s", cur.Status)
	}
	for _, id := range []string{dead.ID, gone.ID} {
		cur := e.get(t, id)
		if cur.Status != domain.StatusFailed || !strings.Contains(cur.LastErrorLog, reasonNotRunning) || cur.ContainerID != "" {
			t.Fatalf("dead container project %s: %+v", id, cur)
		}
	}
	if cur := e.get(t, building.ID); cur.Status != domain.StatusFailed || !strings.Contains(cur.LastErrorLog, reasonInterrupted) {
		t.Fatalf("interrupted build: %+v", cur)
	}
	e.waitStatus(t, pending.ID, domain.StatusRunning)

	// The re-attached supervisor reacts to the live container exiting.
	e.rt.terminate(liveRef, 0)
	e.waitStatus(t, alive.ID, domain.StatusStopped)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	e := newEnv(t)
	p := e.running(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	pending := e.seed(t, domain.StatusPending, nil)
	e.mgr.ScheduleBuild(pending.ID)
	time.Sleep(20 * time.Millisecond)
	if cur := e.get(t, pending.ID); cur.Status != domain.StatusPending {
		t.Fatalf("no build should run after shutdown, got %s", cur.Status)
	}
	if cur := e.get(t, p.ID); cur.Status != domain.StatusRunning {
		t.Fatalf("shutdown must leave containers running, got %s", cur.Status)
	}
}
