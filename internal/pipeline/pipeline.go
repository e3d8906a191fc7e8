// Package pipeline runs asynchronous plugin install jobs. Jobs are queued,
// dispatched to a worker pool, and advance through pending, sent, running
// and a terminal status. Statuses never move backwards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/installer"
	"github.com/hearth-home/hearth/internal/registry"
	"github.com/hearth-home/hearth/internal/store"
	"github.com/hearth-home/hearth/internal/validate"
)

var (
	// ErrConflictingJob indicates the plugin already has a non-terminal job.
	ErrConflictingJob = errors.New("pipeline: plugin already has an active install job")
	// ErrQueueFull indicates the job queue has no capacity left.
	ErrQueueFull = errors.New("pipeline: install queue full")
	// ErrInvalidRequest indicates a malformed enqueue request.
	ErrInvalidRequest = errors.New("pipeline: invalid install request")
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 32
	lockStripes      = 16
)

// Reloader is notified after a successful install so the runtime can load
// or reload the plugin. A nil Reloader skips this step.
type Reloader interface {
	ReloadPlugin(ctx context.Context, pluginID string) error
}

// Pipeline coordinates install job execution.
type Pipeline struct {
	store    *store.Store
	backend  installer.Backend
	registry *registry.Registry
	bus      *eventbus.Bus
	reloader Reloader
	logger   *log.Logger

	workers int
	queue   chan string

	// locks serialize Enqueue per plugin name so the one-active-job check
	// and the insert are atomic against concurrent callers.
	locks [lockStripes]sync.Mutex

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize sets the pending queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queue = make(chan string, n)
		}
	}
}

// WithReloader installs the post-install reload hook.
func WithReloader(r Reloader) Option {
	return func(p *Pipeline) {
		p.reloader = r
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a Pipeline over the store, install backend and registry.
func New(st *store.Store, backend installer.Backend, reg *registry.Registry, bus *eventbus.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    st,
		backend:  backend,
		registry: reg,
		bus:      bus,
		logger:   log.Default(),
		workers:  defaultWorkers,
		queue:    make(chan string, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker pool and recovers jobs a previous run left
// behind.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx)
	}
	p.mu.Unlock()

	p.recover(workerCtx)
	p.logger.Printf("[Pipeline] started %d install workers", p.workers)
}

// Shutdown stops the workers. In-flight jobs finish their current step;
// queued jobs remain pending in the store.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Enqueue records an install job and queues it for execution. At most one
// non-terminal job may exist per plugin name.
func (p *Pipeline) Enqueue(ctx context.Context, pluginName, installType string, payload map[string]any) (store.InstallJob, error) {
	if !validate.Ident(pluginName) {
		return store.InstallJob{}, fmt.Errorf("%w: invalid plugin name %q", ErrInvalidRequest, pluginName)
	}
	allowed := constants.StringSet(constants.AllowedInstallTypes)
	if _, ok := allowed[installType]; !ok {
		return store.InstallJob{}, fmt.Errorf("%w: unknown install type %q", ErrInvalidRequest, installType)
	}

	mu := p.lockFor(pluginName)
	mu.Lock()
	defer mu.Unlock()

	if _, err := p.store.ActiveJobForPlugin(ctx, pluginName); err == nil {
		return store.InstallJob{}, fmt.Errorf("%w: %s", ErrConflictingJob, pluginName)
	} else if !store.IsNotFound(err) {
		return store.InstallJob{}, err
	}

	job := store.InstallJob{
		ID:          uuid.NewString(),
		PluginName:  pluginName,
		InstallType: installType,
		Payload:     payload,
		Status:      constants.JobStatusPending,
	}
	if err := p.store.InsertJob(ctx, job); err != nil {
		return store.InstallJob{}, err
	}
	p.emitStatus(job.ID, pluginName, constants.JobStatusPending, "")

	select {
	case p.queue <- job.ID:
	default:
		reason := "install queue full"
		if err := p.store.UpdateJobStatus(ctx, job.ID, constants.JobStatusFailed, reason); err != nil {
			p.logger.Printf("[Pipeline] failed to mark overflowed job %s: %v", job.ID, err)
		}
		p.emitStatus(job.ID, pluginName, constants.JobStatusFailed, reason)
		return store.InstallJob{}, ErrQueueFull
	}

	stored, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		return store.InstallJob{}, err
	}
	return stored, nil
}

// Job returns a job by id.
func (p *Pipeline) Job(ctx context.Context, id string) (store.InstallJob, error) {
	return p.store.GetJob(ctx, id)
}

// Jobs lists all jobs, newest first.
func (p *Pipeline) Jobs(ctx context.Context) ([]store.InstallJob, error) {
	return p.store.ListJobs(ctx)
}

func (p *Pipeline) lockFor(pluginName string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(pluginName))
	return &p.locks[h.Sum32()%lockStripes]
}

// recover resumes jobs left non-terminal by a previous run. Jobs older than
// the install timeout are forced to failed, jobs a dead worker had already
// picked up are failed as interrupted, and fresh pending jobs are queued
// again.
func (p *Pipeline) recover(ctx context.Context) {
	jobs, err := p.store.ListJobs(ctx)
	if err != nil {
		p.logger.Printf("[Pipeline] recover jobs: %v", err)
		return
	}
	for _, job := range jobs {
		if constants.JobStatusTerminal(job.Status) {
			continue
		}
		if jobExpired(job) {
			p.advance(ctx, &job, constants.JobStatusFailed, "timeout")
			continue
		}
		if job.Status != constants.JobStatusPending {
			p.advance(ctx, &job, constants.JobStatusFailed, "interrupted by restart")
			continue
		}
		select {
		case p.queue <- job.ID:
			p.logger.Printf("[Pipeline] requeued pending job %s for %s", job.ID, job.PluginName)
		default:
			p.advance(ctx, &job, constants.JobStatusFailed, "install queue full")
		}
	}
}

// jobExpired reports whether the job has been non-terminal longer than the
// install timeout.
func jobExpired(job store.InstallJob) bool {
	created, err := time.Parse(time.RFC3339Nano, job.CreatedAt)
	if err != nil {
		return false
	}
	return time.Since(created) > constants.PluginInstallTimeout
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.queue:
			p.run(ctx, jobID)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Printf("[Pipeline] dropping job %s: %v", jobID, err)
		return
	}
	if constants.JobStatusTerminal(job.Status) {
		return
	}
	// A job can outlive its deadline while queued behind busy workers.
	if jobExpired(job) {
		p.advance(ctx, &job, constants.JobStatusFailed, "timeout")
		return
	}

	p.advance(ctx, &job, constants.JobStatusSent, "")

	installCtx, cancel := context.WithTimeout(ctx, constants.PluginInstallTimeout)
	defer cancel()

	// The backend begins materializing the payload here.
	p.advance(ctx, &job, constants.JobStatusRunning, "")

	result, err := p.backend.Install(installCtx, job)
	if err != nil {
		reason := err.Error()
		if errors.Is(installCtx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		p.logger.Printf("[Pipeline] install %s (%s) failed: %v", job.PluginName, job.ID, err)
		p.advance(ctx, &job, constants.JobStatusFailed, reason)
		return
	}

	record, err := p.registry.Register(ctx, result.Manifest, result.Dir)
	if err != nil {
		p.logger.Printf("[Pipeline] register %s failed: %v", job.PluginName, err)
		p.advance(ctx, &job, constants.JobStatusFailed, fmt.Sprintf("register: %v", err))
		return
	}

	p.advance(ctx, &job, constants.JobStatusSuccess, "")
	p.logger.Printf("[Pipeline] installed %s version %s", record.Name, record.Version)

	if p.reloader != nil {
		if err := p.reloader.ReloadPlugin(ctx, record.ID); err != nil {
			p.logger.Printf("[Pipeline] reload %s after install: %v", record.Name, err)
		}
	}
}

func (p *Pipeline) advance(ctx context.Context, job *store.InstallJob, status, reason string) {
	if err := p.store.UpdateJobStatus(ctx, job.ID, status, reason); err != nil {
		p.logger.Printf("[Pipeline] advance job %s to %s: %v", job.ID, status, err)
		return
	}
	job.Status = status
	p.emitStatus(job.ID, job.PluginName, status, reason)
}

func (p *Pipeline) emitStatus(jobID, pluginName, status, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(eventbus.TopicJobStatusChanged, eventbus.SourcePipeline, eventbus.JobStatusEvent{
		JobID:      jobID,
		PluginName: pluginName,
		Status:     status,
		Reason:     reason,
	})
}
