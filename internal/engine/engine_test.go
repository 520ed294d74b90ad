package engine_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"packline/internal/config"
	"packline/internal/db"
	"packline/internal/domain"
	"packline/internal/engine"
	"packline/internal/migrate"
	"packline/internal/repo"
	"packline/internal/storage"
)

// fakeRunner stands in for the external tool. Unpack writes a small fixed
// tree; Repack copies res/strings.txt into the output file so tests can see
// which workspace content reached the packaged result.
type fakeRunner struct {
	mu         sync.Mutex
	unpacks    int
	failUnpack bool
	failRepack bool
}

func (r *fakeRunner) Unpack(ctx context.Context, archivePath, destDir string) error {
	r.mu.Lock()
	r.unpacks++
	fail := r.failUnpack
	r.mu.Unlock()
	if fail {
		return errors.New("unpack tool exited with status 1")
	}
	if err := os.MkdirAll(filepath.Join(destDir, "res"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(destDir, "assets"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(destDir, "AndroidManifest.xml"), []byte("<manifest package=\"com.example.app\"/>\n"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(destDir, "res", "strings.txt"), []byte("OldName OldName OldName\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDir, "assets", "logo.bin"), []byte{0x89, 0x50, 0x4e, 0x47}, 0o644)
}

func (r *fakeRunner) Repack(ctx context.Context, srcDir, outputPath string) error {
	r.mu.Lock()
	fail := r.failRepack
	r.mu.Unlock()
	if fail {
		return errors.New("repack tool exited with status 1")
	}
	data, err := os.ReadFile(filepath.Join(srcDir, "res", "strings.txt"))
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

func (r *fakeRunner) unpackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unpacks
}

type testEnv struct {
	Engine *engine.Engine
	Runner *fakeRunner
	Store  *storage.Store
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(dir)
	store, err := storage.New(cfg.Storage.DataDir)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	runner := &fakeRunner{}
	eng := engine.New(conn, cfg, store, runner)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Runner: runner, Store: store, Ctx: context.Background()}
}

func makeArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"AndroidManifest.xml": "<manifest/>",
		"classes.dex":         "dex\n035",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadReady(t *testing.T, env testEnv) domain.Artifact {
	t.Helper()
	a, err := env.Engine.UploadArtifact(env.Ctx, "app.apk", makeArchive(t), "tester")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if a.CacheStatus != domain.CacheReady {
		t.Fatalf("cache status = %s, want ready", a.CacheStatus)
	}
	return a
}

func TestUploadArtifactCachesOnce(t *testing.T) {
	env := newTestEnv(t)
	a := uploadReady(t, env)

	if _, err := os.Stat(env.Store.ArchivePath(a.ID)); err != nil {
		t.Fatalf("archive not stored: %v", err)
	}
	if a.Checksum == "" {
		t.Fatal("checksum empty")
	}
	entry, err := env.Engine.Cache.Open(a.ID)
	if err != nil {
		t.Fatalf("cache not ready on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(entry.Root, "res", "strings.txt")); err != nil {
		t.Fatalf("unpacked tree incomplete: %v", err)
	}
	if n := env.Runner.unpackCount(); n != 1 {
		t.Fatalf("unpack ran %d times, want 1", n)
	}
}

func TestUploadRejectsBadArchive(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UploadArtifact(env.Ctx, "junk.apk", []byte("not a zip"), "tester"); !errors.Is(err, storage.ErrInvalidArchive) {
		t.Fatalf("err = %v, want ErrInvalidArchive", err)
	}
	env.Engine.Config.Upload.MaxSizeBytes = 3
	if _, err := env.Engine.UploadArtifact(env.Ctx, "big.apk", makeArchive(t), "tester"); !errors.Is(err, engine.ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestUploadUnpackFailureMarksArtifactFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.failUnpack = true
	a, err := env.Engine.UploadArtifact(env.Ctx, "app.apk", makeArchive(t), "tester")
	if err == nil {
		t.Fatal("expected unpack error")
	}
	got, gerr := env.Engine.Repo.GetArtifact(env.Ctx, a.ID)
	if gerr != nil {
		t.Fatalf("artifact row missing: %v", gerr)
	}
	if got.CacheStatus != domain.CacheFailed {
		t.Fatalf("cache status = %s, want failed", got.CacheStatus)
	}
	// The raw archive is not kept around for an artifact that never cached.
	if _, serr := os.Stat(env.Store.ArchivePath(a.ID)); !os.IsNotExist(serr) {
		t.Fatalf("raw archive retained after failed unpack: stat err = %v", serr)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{textRule("res/strings.txt", "a", "b")}, "tester"); !errors.Is(err, engine.ErrCacheNotReady) {
		t.Fatalf("err = %v, want ErrCacheNotReady", err)
	}
}

func textRule(path, pattern, replacement string) domain.Rule {
	return domain.Rule{Type: domain.RuleText, TargetPath: path, Pattern: pattern, Replacement: replacement}
}

func TestTaskAppliesRulesInOrder(t *testing.T) {
	env := newTestEnv(t)
	a := uploadReady(t, env)

	// The second rule only matches what the first one produced, so the
	// output proves the declared order was followed.
	task, err := env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{
		textRule("res/strings.txt", "OldName", "MidName"),
		textRule("res/strings.txt", "MidName", "FinalName"),
	}, "tester")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s (error %q), want completed", got.Status, got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	out, err := os.ReadFile(got.OutputPath)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if want := "FinalName FinalName FinalName\n"; string(out) != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
	if len(got.RuleResults) != 2 {
		t.Fatalf("rule results = %d, want 2", len(got.RuleResults))
	}
	for i, rr := range got.RuleResults {
		if rr.Index != i || !rr.Success {
			t.Fatalf("result %d = %+v", i, rr)
		}
	}
}

func TestTaskLeavesCacheUntouched(t *testing.T) {
	env := newTestEnv(t)
	a := uploadReady(t, env)
	entry, err := env.Engine.Cache.Open(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	cached := filepath.Join(entry.Root, "res", "strings.txt")
	before, err := os.ReadFile(cached)
	if err != nil {
		t.Fatal(err)
	}

	task, err := env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{
		textRule("res/strings.txt", "OldName", "Mutated"),
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}

	after, err := os.ReadFile(cached)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("cache content changed: %q -> %q", before, after)
	}
	if _, err := os.Stat(env.Store.WorkspaceDir(task.ID)); !os.IsNotExist(err) {
		t.Fatalf("workspace not removed after completion: %v", err)
	}
}

func TestMissingTargetIsNonFatal(t *testing.T) {
	env := newTestEnv(t)
	a := uploadReady(t, env)

	task, err := env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{
		textRule("res/absent.txt", "x", "y"),
		textRule("res/strings.txt", "OldName", "NewName"),
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.RuleResults[0].Success || !strings.Contains(got.RuleResults[0].Message, "target not found") {
		t.Fatalf("result 0 = %+v", got.RuleResults[0])
	}
	if !got.RuleResults[1].Success {
		t.Fatalf("result 1 = %+v", got.RuleResults[1])
	}
}

func TestCreateTaskRejectsInvalidRules(t *testing.T) {
	env := newTestEnv(t)
	a := uploadReady(t, env)

	var verr *engine.RuleValidationError
	_, err := env.Engine.CreateTask(env.Ctx, a.ID, nil, "tester")
	if !errors.As(err, &verr) {
		t.Fatalf("empty rules: err = %v", err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{
		textRule("../outside.txt", "a", "b"),
	}, "tester")
	if !errors.As(err, &verr) {
		t.Fatalf("traversal rule: err = %v", err)
	}
	if verr.Errors[0].Field != "target_path" {
		t.Fatalf("field = %s", verr.Errors[0].Field)
	}
}

func TestRepackFailureFailsTask(t *testing.T) {
	env := newTestEnv(t)
	a := uploadReady(t, env)
	env.Runner.failRepack = true

	task, err := env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{
		textRule("res/strings.txt", "OldName", "NewName"),
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "repack") {
		t.Fatalf("error = %q", got.Error)
	}
	// The rule ran before repack blew up; its result must survive.
	if len(got.RuleResults) != 1 || !got.RuleResults[0].Success {
		t.Fatalf("rule results = %+v", got.RuleResults)
	}
	if got.OutputPath != "" {
		t.Fatalf("output path set on failed task: %s", got.OutputPath)
	}
	if _, err := os.Stat(env.Store.WorkspaceDir(task.ID)); !os.IsNotExist(err) {
		t.Fatal("workspace not removed after failure")
	}
}

func TestManyTasksShareOneUnpack(t *testing.T) {
	env := newTestEnv(t)
	a := uploadReady(t, env)

	for i := 0; i < 3; i++ {
		if _, err := env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{
			textRule("res/strings.txt", "OldName", fmt.Sprintf("Name%d", i)),
		}, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	if n := env.Runner.unpackCount(); n != 1 {
		t.Fatalf("unpack ran %d times for 3 tasks, want 1", n)
	}
	tasks, err := env.Engine.Repo.ListTasksByArtifact(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(tasks))
	}
}

func TestConcurrentTasksAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Start(env.Ctx); err != nil {
		t.Fatal(err)
	}
	defer env.Engine.Stop()
	a := uploadReady(t, env)

	const n = 4
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		task, err := env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{
			textRule("res/strings.txt", "OldName", fmt.Sprintf("Task%d", i)),
		}, "tester")
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = task.ID
	}
	env.Engine.Wait()

	for i, id := range ids {
		got, err := env.Engine.Repo.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.TaskCompleted {
			t.Fatalf("task %d status = %s (error %q)", i, got.Status, got.Error)
		}
		out, err := os.ReadFile(got.OutputPath)
		if err != nil {
			t.Fatal(err)
		}
		want := fmt.Sprintf("Task%d Task%d Task%d\n", i, i, i)
		if string(out) != want {
			t.Fatalf("task %d output = %q, want %q", i, out, want)
		}
	}
}

func TestDeleteArtifactRemovesEverything(t *testing.T) {
	env := newTestEnv(t)
	a := uploadReady(t, env)
	task, err := env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{
		textRule("res/strings.txt", "OldName", "NewName"),
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.DeleteArtifact(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(env.Store.ArchivePath(a.ID)); !os.IsNotExist(err) {
		t.Fatal("archive still on disk")
	}
	if _, err := os.Stat(env.Store.CacheDir(a.ID)); !os.IsNotExist(err) {
		t.Fatal("cache still on disk")
	}
	if _, err := os.Stat(env.Store.OutputPath(task.ID)); !os.IsNotExist(err) {
		t.Fatal("task output still on disk")
	}
	if _, err := env.Engine.Repo.GetArtifact(env.Ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("artifact row: err = %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task row not cascaded: err = %v", err)
	}
}

func TestStartFailsInterruptedTasks(t *testing.T) {
	env := newTestEnv(t)
	a := uploadReady(t, env)
	task, err := env.Engine.CreateTask(env.Ctx, a.ID, []domain.Rule{
		textRule("res/strings.txt", "OldName", "NewName"),
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-run: force the row back to processing.
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE tasks SET status='processing', completed_at=NULL, output_path=NULL WHERE id=?`, task.ID); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.Start(env.Ctx); err != nil {
		t.Fatal(err)
	}
	defer env.Engine.Stop()

	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskFailed || !strings.Contains(got.Error, "interrupted") {
		t.Fatalf("status = %s error = %q, want failed/interrupted", got.Status, got.Error)
	}
}
