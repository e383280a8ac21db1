package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/repository/memory"
	"github.com/Dzakiart19/hostingtele/internal/storage"
	"github.com/Dzakiart19/hostingtele/internal/telegram"
	"github.com/Dzakiart19/hostingtele/pkg/crypto"
)

var errTest = errors.New("boom")

const (
	testSecret     = "test-encryption-secret"
	testCredential = "123456:ABC-def_ghi"
)

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingScheduler) ScheduleBuild(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

type failingProjects struct {
	*memory.Store
}

func (failingProjects) CreateProject(context.Context, *domain.Project) error {
	return errTest
}

type memoryArchives struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemoryArchives() *memoryArchives {
	return &memoryArchives{blobs: map[string][]byte{}}
}

func (m *memoryArchives) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *memoryArchives) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memoryArchives) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *memoryArchives) Ping(context.Context) error { return nil }

type stubVerifier struct{ err error }

func (s stubVerifier) GetMe(context.Context, string) (telegram.BotInfo, error) {
	return telegram.BotInfo{}, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pythonArchive(t *testing.T) []byte {
	return zipBytes(t, zipEntry{Name: "requirements.txt", Body: "aiogram\n"}, zipEntry{Name: "main.py", Body: "print('hi')\n"})
}

func TestCreateStoresPendingProject(t *testing.T) {
	store := memory.New()
	archives := newMemoryArchives()
	sched := &recordingScheduler{}
	svc := New(store, archives, sched, nil, discardLogger(), Options{EncryptionKey: testSecret, Limits: testLimits})

	archive := pythonArchive(t)
	project, err := svc.Create(context.Background(), CreateInput{OwnerID: 42, Name: "  echo  ", Credential: testCredential, Archive: archive, Filename: "bot.zip"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if project.Status != domain.StatusPending || project.Name != "echo" || project.RuntimeKind != domain.RuntimePython {
		t.Fatalf("unexpected project: %+v", project)
	}
	stored, err := store.GetProject(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if stored.OwnerID != 42 || stored.ArchiveKey != storage.ArchiveKey(project.ID) {
		t.Fatalf("unexpected stored project: %+v", stored)
	}
	plain, err := crypto.DecryptToString(testSecret, stored.EncryptedCredential)
	if err != nil || plain != testCredential {
		t.Fatalf("credential not recoverable: %q, %v", plain, err)
	}
	if strings.Contains(string(stored.EncryptedCredential), testCredential) {
		t.Fatalf("credential stored in plaintext")
	}
	if _, err := archives.Get(context.Background(), stored.ArchiveKey); err != nil {
		t.Fatalf("archive not stored: %v", err)
	}
	if len(sched.ids) != 1 || sched.ids[0] != project.ID {
		t.Fatalf("expected build scheduled for %s, got %v", project.ID, sched.ids)
	}
}

func TestCreateValidation(t *testing.T) {
	valid := pythonArchive(t)
	cases := []struct {
		name  string
		input CreateInput
		opts  Options
		rule  string
	}{
		{name: "blank name", input: CreateInput{Name: "  ", Credential: testCredential, Archive: valid}, rule: RuleName},
		{name: "long name", input: CreateInput{Name: strings.Repeat("ж", 101), Credential: testCredential, Archive: valid}, rule: RuleName},
		{name: "credential shape", input: CreateInput{Name: "bot", Credential: "abc:def", Archive: valid}, rule: RuleCredential},
		{name: "credential missing secret", input: CreateInput{Name: "bot", Credential: "123:", Archive: valid}, rule: RuleCredential},
		{name: "not an archive", input: CreateInput{Name: "bot", Credential: testCredential, Archive: []byte("hello")}, rule: RuleArchiveFormat},
		{
			name:  "credential rejected",
			input: CreateInput{Name: "bot", Credential: testCredential, Archive: valid},
			opts:  Options{Verifier: stubVerifier{err: telegram.ErrInvalidToken}},
			rule:  RuleCredentialRejected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			archives := newMemoryArchives()
			sched := &recordingScheduler{}
			opts := tc.opts
			opts.EncryptionKey = testSecret
			opts.Limits = testLimits
			svc := New(store, archives, sched, nil, discardLogger(), opts)

			_, err := svc.Create(context.Background(), tc.input)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Rule != tc.rule {
				t.Fatalf("expected rule %q, got %v", tc.rule, err)
			}
			if projects, _ := store.ListProjectsByOwner(context.Background(), 0); len(projects) != 0 {
				t.Fatalf("no project should be stored, got %d", len(projects))
			}
			if len(archives.blobs) != 0 || len(sched.ids) != 0 {
				t.Fatalf("rejected upload left side effects")
			}
		})
	}
}

func TestCreateRollsBackArchiveWhenInsertFails(t *testing.T) {
	archives := newMemoryArchives()
	sched := &recordingScheduler{}
	svc := New(failingProjects{memory.New()}, archives, sched, nil, discardLogger(), Options{EncryptionKey: testSecret, Limits: testLimits})

	_, err := svc.Create(context.Background(), CreateInput{OwnerID: 1, Name: "bot", Credential: testCredential, Archive: pythonArchive(t)})
	if !errors.Is(err, errTest) {
		t.Fatalf("expected insert error, got %v", err)
	}
	if len(archives.blobs) != 0 {
		t.Fatalf("archive should be removed after failed insert")
	}
	if len(sched.ids) != 0 {
		t.Fatalf("no build should be scheduled")
	}
}
