// Package engine orchestrates the artifact and task lifecycles: upload and
// unpack, task creation and dispatch, rule execution in isolated workspaces
// and repackaging of outputs.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"packline/internal/cache"
	"packline/internal/config"
	"packline/internal/domain"
	"packline/internal/events"
	"packline/internal/repo"
	"packline/internal/rules"
	"packline/internal/storage"
	"packline/internal/tool"
	"packline/internal/workspace"
)

var (
	ErrCacheNotReady = errors.New("artifact cache is not ready")
	ErrTooLarge      = errors.New("upload exceeds size limit")
)

// RuleValidationError carries the per-rule field errors of a rejected task.
type RuleValidationError struct {
	Errors []domain.ValidationError
}

func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("invalid rules: %d error(s)", len(e.Errors))
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Store      *storage.Store
	Cache      *cache.Manager
	Workspaces *workspace.Allocator
	Tool       tool.Runner
	Now        func() time.Time
	Logger     *log.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	runCtx context.Context
	cancel context.CancelFunc
}

func New(db *sql.DB, cfg *config.Config, store *storage.Store, runner tool.Runner) *Engine {
	return &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Store:      store,
		Cache:      cache.NewManager(store, runner),
		Workspaces: workspace.NewAllocator(store),
		Tool:       runner,
		Now:        time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// Start prepares the dispatch pool and fails over tasks left processing by a
// previous process. Execution is not resumable, so anything mid-flight at
// the last shutdown is terminal now.
func (e *Engine) Start(ctx context.Context) error {
	workers := 4
	if e.Config != nil && e.Config.Tasks.Workers > 0 {
		workers = e.Config.Tasks.Workers
	}
	e.sem = semaphore.NewWeighted(int64(workers))
	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	n, err := e.Repo.FailStaleProcessing(ctx, e.nowRFC3339())
	if err != nil {
		return fmt.Errorf("fail stale tasks: %w", err)
	}
	if n > 0 {
		e.logf("marked %d interrupted task(s) as failed", n)
	}
	return nil
}

// Stop cancels in-flight work and waits for all dispatched tasks to record a
// terminal status.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Wait blocks until every dispatched task has finished, without cancelling.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// UploadArtifact validates and stores an archive, then unpacks it into the
// shared cache. The unpack happens once here; every later task reads the
// cached tree instead of paying for its own unpack.
func (e *Engine) UploadArtifact(ctx context.Context, filename string, content []byte, actorID string) (domain.Artifact, error) {
	if e.Config != nil && e.Config.Upload.MaxSizeBytes > 0 && int64(len(content)) > e.Config.Upload.MaxSizeBytes {
		return domain.Artifact{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(content), e.Config.Upload.MaxSizeBytes)
	}
	requiredEntry := ""
	if e.Config != nil {
		requiredEntry = e.Config.Upload.RequiredEntry
	}

	a := domain.Artifact{
		ID:          uuid.New().String(),
		Filename:    filename,
		Size:        int64(len(content)),
		CacheStatus: domain.CacheDecompiling,
		CreatedAt:   e.nowRFC3339(),
	}
	checksum, err := e.Store.SaveUpload(a.ID, content, requiredEntry)
	if err != nil {
		return domain.Artifact{}, err
	}
	a.Checksum = checksum

	if err := e.insertArtifact(ctx, a, actorID); err != nil {
		e.Store.RemoveArchive(a.ID)
		return domain.Artifact{}, err
	}

	entry, err := e.Cache.Materialize(ctx, a.ID, e.Store.ArchivePath(a.ID))
	if err != nil {
		e.logf("unpack failed for artifact %s: %v", a.ID, err)
		// An artifact whose cache failed is not retained: the raw bytes go
		// too, so only the failed record and its events remain.
		if rerr := e.Store.RemoveArchive(a.ID); rerr != nil {
			e.logf("remove archive for artifact %s: %v", a.ID, rerr)
		}
		if ferr := e.finishMaterialize(ctx, a.ID, domain.CacheFailed, actorID, events.EventPayload{"error": err.Error()}); ferr != nil {
			return domain.Artifact{}, ferr
		}
		a.CacheStatus = domain.CacheFailed
		return a, fmt.Errorf("unpack %s: %w", filename, err)
	}

	if err := e.finishMaterialize(ctx, a.ID, domain.CacheReady, actorID, events.EventPayload{"root": entry.Root}); err != nil {
		return domain.Artifact{}, err
	}
	a.CacheStatus = domain.CacheReady
	e.logf("artifact %s (%s) cached", a.ID, filename)
	return a, nil
}

func (e *Engine) insertArtifact(ctx context.Context, a domain.Artifact, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "artifact.uploaded", a.ID, "artifact", a.ID, actorID, events.EventPayload{
		"filename": a.Filename,
		"size":     a.Size,
		"checksum": a.Checksum,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) finishMaterialize(ctx context.Context, artifactID, status, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetArtifactCacheStatusTx(ctx, tx, artifactID, status); err != nil {
		return err
	}
	evtType := "cache.ready"
	if status == domain.CacheFailed {
		evtType = "cache.failed"
	}
	if err := e.Events.Append(ctx, tx, evtType, artifactID, "artifact", artifactID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTask validates the rules, records the task as pending and dispatches
// it. The call returns as soon as the pending row is committed; execution
// proceeds on a worker slot.
func (e *Engine) CreateTask(ctx context.Context, artifactID string, taskRules []domain.Rule, actorID string) (domain.Task, error) {
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return domain.Task{}, err
	}
	if a.CacheStatus != domain.CacheReady {
		return domain.Task{}, fmt.Errorf("artifact %s: %w (status %s)", artifactID, ErrCacheNotReady, a.CacheStatus)
	}
	if len(taskRules) == 0 {
		return domain.Task{}, &RuleValidationError{Errors: []domain.ValidationError{
			{RuleIndex: -1, Field: "rules", Message: "at least one rule is required"},
		}}
	}
	if verrs := rules.Validate(taskRules); len(verrs) > 0 {
		return domain.Task{}, &RuleValidationError{Errors: verrs}
	}

	t := domain.Task{
		ID:         uuid.New().String(),
		ArtifactID: artifactID,
		Status:     domain.TaskPending,
		Rules:      taskRules,
		CreatedAt:  e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", artifactID, "task", t.ID, actorID, events.EventPayload{
		"rule_count": len(taskRules),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.dispatch(t.ID, actorID)
	return t, nil
}

// dispatch hands the task to the worker pool. Each task runs on its own
// goroutine; the weighted semaphore caps how many execute at once.
func (e *Engine) dispatch(taskID, actorID string) {
	if e.sem == nil {
		// Start was not called; run synchronously (CLI mode).
		if err := e.RunTask(context.Background(), taskID, actorID); err != nil {
			e.logf("task %s failed: %v", taskID, err)
		}
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.runCtx, 1); err != nil {
			e.failOutsideRun(taskID, actorID, "shutdown before execution started")
			return
		}
		defer e.sem.Release(1)
		if err := e.RunTask(e.runCtx, taskID, actorID); err != nil {
			e.logf("task %s failed: %v", taskID, err)
		}
	}()
}

// failOutsideRun records a terminal failure for a task that never reached
// RunTask. It must mark processing first so the guarded update applies.
func (e *Engine) failOutsideRun(taskID, actorID, msg string) {
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Repo.MarkTaskProcessingTx(ctx, tx, taskID); err != nil {
		return
	}
	if err := e.Repo.FailTaskTx(ctx, tx, taskID, msg, e.nowRFC3339(), nil); err != nil {
		return
	}
	if err := e.Events.Append(ctx, tx, "task.failed", "", "task", taskID, actorID, events.EventPayload{"error": msg}); err != nil {
		return
	}
	tx.Commit()
}

// RunTask executes one pending task to a terminal state: copy the cache into
// a private workspace, apply the rules in order, repack the result. The
// workspace is removed on every exit path; only the packaged output and the
// recorded results survive.
func (e *Engine) RunTask(ctx context.Context, taskID, actorID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.markProcessing(ctx, t, actorID); err != nil {
		return err
	}

	results, runErr := e.execute(ctx, t)
	defer e.Workspaces.Remove(t.ID)

	if runErr != nil {
		if ferr := e.failTask(ctx, t, runErr.Error(), results, actorID); ferr != nil {
			return ferr
		}
		return runErr
	}
	return e.completeTask(ctx, t, results, actorID)
}

func (e *Engine) markProcessing(ctx context.Context, t domain.Task, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkTaskProcessingTx(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.started", t.ArtifactID, "task", t.ID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// execute does the filesystem work: workspace allocation, ordered rule
// application and repack. It returns the results gathered so far together
// with the first fatal error, so a failed task still records what ran.
func (e *Engine) execute(ctx context.Context, t domain.Task) ([]domain.RuleResult, error) {
	entry, err := e.Cache.Open(t.ArtifactID)
	if err != nil {
		return nil, err
	}
	root, err := e.Workspaces.Allocate(t.ID, entry)
	if err != nil {
		return nil, err
	}

	var results []domain.RuleResult
	for i, r := range t.Rules {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("task cancelled: %w", err)
		}
		res, err := rules.Apply(root, r, i)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	if err := e.Tool.Repack(ctx, root, e.Store.OutputPath(t.ID)); err != nil {
		return results, err
	}
	return results, nil
}

func (e *Engine) completeTask(ctx context.Context, t domain.Task, results []domain.RuleResult, actorID string) error {
	outputPath := e.Store.OutputPath(t.ID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteTaskTx(ctx, tx, t.ID, outputPath, e.nowRFC3339(), results); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.ArtifactID, "task", t.ID, actorID, events.EventPayload{
		"output_path": outputPath,
		"rule_count":  len(results),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logf("task %s completed, output %s", t.ID, outputPath)
	return nil
}

func (e *Engine) failTask(ctx context.Context, t domain.Task, msg string, results []domain.RuleResult, actorID string) error {
	// The failure must be recorded even when ctx is the cancelled run
	// context of a shutdown.
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.FailTaskTx(ctx, tx, t.ID, msg, e.nowRFC3339(), results); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.failed", t.ArtifactID, "task", t.ID, actorID, events.EventPayload{"error": msg}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteArtifact removes the artifact with everything derived from it: raw
// archive, cache tree, task workspaces and outputs, and the registry rows.
func (e *Engine) DeleteArtifact(ctx context.Context, artifactID, actorID string) error {
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	taskIDs, err := e.Repo.TaskIDsByArtifact(ctx, artifactID)
	if err != nil {
		return err
	}

	if err := e.Store.RemoveArchive(artifactID); err != nil {
		return fmt.Errorf("remove archive: %w", err)
	}
	if err := e.Cache.Destroy(artifactID); err != nil {
		return fmt.Errorf("remove cache: %w", err)
	}
	for _, id := range taskIDs {
		if err := e.Store.RemoveTaskFiles(id); err != nil {
			return fmt.Errorf("remove task %s files: %w", id, err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteArtifactTx(ctx, tx, artifactID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "artifact.deleted", artifactID, "artifact", artifactID, actorID, events.EventPayload{
		"filename":   a.Filename,
		"task_count": len(taskIDs),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logf("artifact %s deleted (%d task(s))", artifactID, len(taskIDs))
	return nil
}

// OpenCache returns the ready cache entry for browsing. The registry status
// is checked first so a half-deleted artifact cannot be read.
func (e *Engine) OpenCache(ctx context.Context, artifactID string) (cache.Entry, error) {
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return cache.Entry{}, err
	}
	if a.CacheStatus != domain.CacheReady {
		return cache.Entry{}, fmt.Errorf("artifact %s: %w (status %s)", artifactID, ErrCacheNotReady, a.CacheStatus)
	}
	return e.Cache.Open(artifactID)
}
