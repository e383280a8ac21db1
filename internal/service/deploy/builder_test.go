package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/runtime"
	"github.com/Dzakiart19/hostingtele/internal/storage"
	"github.com/Dzakiart19/hostingtele/internal/workspace"
	"github.com/Dzakiart19/hostingtele/pkg/config"
)

type fakeImages struct {
	lines      []string
	err        error
	dockerfile string
	tag        string
	labels     map[string]string
	removed    []string
}

func (f *fakeImages) BuildImage(_ context.Context, dir, tag string, labels map[string]string, onOutput runtime.BuildOutputCallback) error {
	data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		return err
	}
	f.dockerfile = string(data)
	f.tag = tag
	f.labels = labels
	for _, line := range f.lines {
		onOutput(line)
	}
	return f.err
}

func (f *fakeImages) RemoveImage(_ context.Context, tag string) error {
	f.removed = append(f.removed, tag)
	return nil
}

type recordedLine struct {
	level, message string
}

type fakeRecorder struct {
	mu    sync.Mutex
	lines []recordedLine
}

func (r *fakeRecorder) Record(_ context.Context, _, _, level, message string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, recordedLine{level: level, message: message})
}

func newTestBuilder(t *testing.T, images *fakeImages, archives storage.ArchiveStore, logs LogRecorder) (*Builder, *workspace.Manager) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	cfg := config.BuilderConfig{ImagePrefix: "hostingtele/project"}
	return NewBuilder(images, archives, ws, logs, discardLogger(), cfg, testLimits), ws
}

func TestBuildProducesImage(t *testing.T) {
	archives := newMemoryArchives()
	project := domain.Project{ID: "p1", OwnerID: 9, RuntimeKind: domain.RuntimePython, ArchiveKey: storage.ArchiveKey("p1")}
	data := zipBytes(t,
		zipEntry{Name: "bot/requirements.txt", Body: "aiogram\n"},
		zipEntry{Name: "bot/bot.py", Body: "print(1)\n"},
		zipEntry{Name: "bot/Dockerfile", Body: "FROM evil\n"},
	)
	_ = archives.Put(context.Background(), project.ArchiveKey, data)

	images := &fakeImages{lines: []string{"Step 1/5", "", "Step 1/5", "Successfully built"}}
	logs := &fakeRecorder{}
	b, ws := newTestBuilder(t, images, archives, logs)

	tag, err := b.Build(context.Background(), project)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tag != "hostingtele/project:p1" || images.tag != tag {
		t.Fatalf("unexpected tag %q / %q", tag, images.tag)
	}
	if strings.Contains(images.dockerfile, "evil") || !strings.Contains(images.dockerfile, `CMD ["python","bot.py"]`) {
		t.Fatalf("unexpected Dockerfile:\n%s", images.dockerfile)
	}
	if images.labels["hostingtele.project"] != "p1" || images.labels["hostingtele.owner"] != "9" {
		t.Fatalf("unexpected labels: %v", images.labels)
	}
	var sawRepeat bool
	for _, line := range logs.lines {
		if line.message == "Step 1/5 (repeated 1 more times)" {
			sawRepeat = true
		}
	}
	if !sawRepeat {
		t.Fatalf("expected collapsed repeat in build logs: %+v", logs.lines)
	}
	entries, err := os.ReadDir(ws.Root())
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace should be cleaned up, found %d entries", len(entries))
	}
}

func TestBuildFailureCarriesOutputTail(t *testing.T) {
	archives := newMemoryArchives()
	project := domain.Project{ID: "p2", RuntimeKind: domain.RuntimeNode, ArchiveKey: storage.ArchiveKey("p2")}
	_ = archives.Put(context.Background(), project.ArchiveKey, zipBytes(t, zipEntry{Name: "package.json", Body: `{"main":"bot.js"}`}))

	images := &fakeImages{lines: []string{"npm ERR! missing script"}, err: errTest}
	b, _ := newTestBuilder(t, images, archives, &fakeRecorder{})

	_, err := b.Build(context.Background(), project)
	var berr *BuildError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if berr.Stage != StageImage || !errors.Is(err, errTest) {
		t.Fatalf("unexpected build error: %+v", berr)
	}
	if len(berr.Output) != 1 || berr.Output[0] != "npm ERR! missing script" {
		t.Fatalf("unexpected output tail: %v", berr.Output)
	}
}

func TestBuildFailsWithoutEntryPoint(t *testing.T) {
	archives := newMemoryArchives()
	project := domain.Project{ID: "p3", RuntimeKind: domain.RuntimePython, ArchiveKey: storage.ArchiveKey("p3")}
	_ = archives.Put(context.Background(), project.ArchiveKey, zipBytes(t, zipEntry{Name: "requirements.txt"}))

	b, _ := newTestBuilder(t, &fakeImages{}, archives, nil)
	_, err := b.Build(context.Background(), project)
	var berr *BuildError
	if !errors.As(err, &berr) || berr.Stage != StageRecipe || !errors.Is(err, errNoEntryPoint) {
		t.Fatalf("expected recipe failure, got %v", err)
	}
}

func TestBuildFailsWhenArchiveMissing(t *testing.T) {
	b, _ := newTestBuilder(t, &fakeImages{}, newMemoryArchives(), nil)
	_, err := b.Build(context.Background(), domain.Project{ID: "p4", RuntimeKind: domain.RuntimePython})
	var berr *BuildError
	if !errors.As(err, &berr) || berr.Stage != StageFetch || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
}
