package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Scheduler routes work units from jobs to workers and results back to
// jobs. One scheduler serves all executions in the process.
type Scheduler struct {
	mu        sync.RWMutex
	workers   map[string]*Worker
	jobs      map[string]Job
	pending   map[string]int // jobID -> in-flight unit count
	factories map[string]Factory

	manager *Manager
	results chan workerResult
	logger  *slog.Logger
}

// SchedulerConfig configures a scheduler.
type SchedulerConfig struct {
	Logger *slog.Logger

	// Manager persists job records. Optional; without it jobs run
	// in-memory only and cannot be resumed.
	Manager *Manager

	// ResultsBuffer sizes the shared results channel (default 1000).
	ResultsBuffer int
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.ResultsBuffer
	if buffer <= 0 {
		buffer = 1000
	}
	return &Scheduler{
		workers:   make(map[string]*Worker),
		jobs:      make(map[string]Job),
		pending:   make(map[string]int),
		factories: make(map[string]Factory),
		manager:   cfg.Manager,
		results:   make(chan workerResult, buffer),
		logger:    logger,
	}
}

// RegisterWorker adds a worker and wires it to the results channel.
func (s *Scheduler) RegisterWorker(w *Worker) {
	w.init(s.results)
	s.mu.Lock()
	s.workers[w.Name()] = w
	s.mu.Unlock()
	s.logger.Info("worker registered", "name", w.Name(), "type", string(w.Type()))
}

// RegisterFactory registers a constructor used by Resume to recreate jobs
// of the given type from persisted metadata.
func (s *Scheduler) RegisterFactory(jobType string, factory Factory) {
	s.mu.Lock()
	s.factories[jobType] = factory
	s.mu.Unlock()
}

// Start launches all workers and the result loop. Returns immediately;
// processing stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	for _, w := range s.workers {
		w.Start(ctx)
	}
	s.mu.RUnlock()
	go s.run(ctx)
	s.logger.Info("scheduler started")
}

// Submit persists a job record, starts the job and enqueues its initial
// work units.
func (s *Scheduler) Submit(ctx context.Context, job Job) error {
	metadata := make(map[string]any)
	if status, err := job.Status(ctx); err == nil {
		for k, v := range status {
			metadata[k] = v
		}
	}

	if s.manager != nil {
		recordID, err := s.manager.Create(ctx, job.Type(), metadata)
		if err != nil {
			return fmt.Errorf("failed to create job record: %w", err)
		}
		job.SetRecordID(recordID)
	} else {
		job.SetRecordID(uuid.New().String())
	}

	s.track(job)

	if s.manager != nil {
		if err := s.manager.UpdateStatus(ctx, job.ID(), StatusRunning, ""); err != nil {
			s.logger.Warn("failed to mark job running", "job_id", job.ID(), "error", err)
		}
	}
	s.logger.Info("job submitted", "job_id", job.ID(), "type", job.Type())

	units, err := job.Start(ctx)
	if err != nil {
		s.untrack(job.ID())
		if s.manager != nil {
			s.manager.UpdateStatus(ctx, job.ID(), StatusFailed, err.Error())
		}
		return fmt.Errorf("job start failed: %w", err)
	}

	s.enqueueUnits(ctx, job.ID(), units)
	s.finishIfDone(ctx, job.ID())
	return nil
}

// Resume recreates interrupted jobs (status running) through their
// registered factories. Start implementations are idempotent and skip
// stages whose artifacts already exist.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	if s.manager == nil {
		return 0, fmt.Errorf("scheduler has no manager, cannot resume")
	}

	records, err := s.manager.List(ctx, ListFilter{Status: StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}

	resumed := 0
	for _, record := range records {
		s.mu.RLock()
		factory, ok := s.factories[record.JobType]
		s.mu.RUnlock()
		if !ok {
			s.logger.Warn("no factory for job type, cannot resume",
				"job_id", record.ID, "type", record.JobType)
			continue
		}

		job, err := factory(record.ID, record.Metadata)
		if err != nil {
			s.logger.Error("failed to recreate job", "job_id", record.ID, "error", err)
			s.manager.UpdateStatus(ctx, record.ID, StatusFailed, err.Error())
			continue
		}

		s.track(job)
		units, err := job.Start(ctx)
		if err != nil {
			s.untrack(job.ID())
			s.logger.Error("failed to resume job", "job_id", record.ID, "error", err)
			s.manager.UpdateStatus(ctx, record.ID, StatusFailed, err.Error())
			continue
		}

		s.enqueueUnits(ctx, job.ID(), units)
		s.finishIfDone(ctx, job.ID())
		resumed++
		s.logger.Info("job resumed", "job_id", record.ID, "type", record.JobType)
	}
	return resumed, nil
}

func (s *Scheduler) track(job Job) {
	s.mu.Lock()
	s.jobs[job.ID()] = job
	s.pending[job.ID()] = 0
	s.mu.Unlock()
}

func (s *Scheduler) untrack(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	delete(s.pending, jobID)
	s.mu.Unlock()
}

// enqueueUnits routes units to workers. A unit that cannot be routed is
// reported back to its job as a failed result.
func (s *Scheduler) enqueueUnits(ctx context.Context, jobID string, units []WorkUnit) {
	for i := range units {
		unit := &units[i]
		unit.JobID = jobID
		if unit.ID == "" {
			unit.ID = uuid.New().String()
		}

		worker := s.findWorker(unit)
		if worker == nil {
			s.handleResult(ctx, workerResult{
				JobID: jobID,
				Unit:  unit,
				Result: WorkResult{
					WorkUnitID: unit.ID,
					Payload:    unit.Payload,
					Error:      fmt.Errorf("no worker for type %s provider %q", unit.Type, unit.Provider),
				},
			})
			continue
		}

		s.mu.Lock()
		s.pending[jobID]++
		s.mu.Unlock()

		if err := worker.Submit(unit); err != nil {
			s.mu.Lock()
			s.pending[jobID]--
			s.mu.Unlock()
			s.handleResult(ctx, workerResult{
				JobID:  jobID,
				Unit:   unit,
				Result: WorkResult{WorkUnitID: unit.ID, Payload: unit.Payload, Error: err},
			})
		}
	}
}

// findWorker picks a worker by name when the unit requests one, otherwise
// any worker of the matching type.
func (s *Scheduler) findWorker(unit *WorkUnit) *Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if unit.Provider != "" {
		w, ok := s.workers[unit.Provider]
		if ok && string(w.Type()) == string(unit.Type) {
			return w
		}
		return nil
	}
	for _, w := range s.workers {
		if string(w.Type()) == string(unit.Type) {
			return w
		}
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case res := <-s.results:
			s.mu.Lock()
			s.pending[res.JobID]--
			s.mu.Unlock()
			s.handleResult(ctx, res)
		}
	}
}

// handleResult delivers a result to its job and enqueues follow-up units.
func (s *Scheduler) handleResult(ctx context.Context, res workerResult) {
	s.mu.RLock()
	job, ok := s.jobs[res.JobID]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("result for unknown job", "job_id", res.JobID)
		return
	}

	newUnits, err := job.OnComplete(ctx, res.Result)
	if err != nil {
		s.logger.Error("job OnComplete failed", "job_id", res.JobID, "error", err)
	}
	if len(newUnits) > 0 {
		s.enqueueUnits(ctx, res.JobID, newUnits)
	}

	s.finishIfDone(ctx, res.JobID)
}

// finishIfDone finalizes the job record once the job reports done and no
// units are in flight.
func (s *Scheduler) finishIfDone(ctx context.Context, jobID string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	done := ok && job.Done() && s.pending[jobID] == 0
	if done {
		delete(s.jobs, jobID)
		delete(s.pending, jobID)
	}
	s.mu.Unlock()

	if !done {
		return
	}

	if s.manager != nil {
		if status, err := job.Status(ctx); err == nil {
			metadata := make(map[string]any, len(status))
			for k, v := range status {
				metadata[k] = v
			}
			s.manager.UpdateMetadata(ctx, jobID, metadata)
		}
		if err := s.manager.UpdateStatus(ctx, jobID, StatusCompleted, ""); err != nil {
			s.logger.Warn("failed to mark job completed", "job_id", jobID, "error", err)
		}
	}
	s.logger.Info("job completed", "job_id", jobID, "type", job.Type())
}

// JobStatus returns a job's status plus its pending unit count.
func (s *Scheduler) JobStatus(ctx context.Context, jobID string) (map[string]string, error) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	pending := s.pending[jobID]
	s.mu.RUnlock()

	if !ok {
		if s.manager != nil {
			rec, err := s.manager.Get(ctx, jobID)
			if err != nil {
				return nil, err
			}
			status := map[string]string{"status": string(rec.Status)}
			if rec.Error != "" {
				status["error"] = rec.Error
			}
			return status, nil
		}
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	status, err := job.Status(ctx)
	if err != nil {
		return nil, err
	}
	if status == nil {
		status = make(map[string]string)
	}
	status["pending_units"] = fmt.Sprintf("%d", pending)
	return status, nil
}

// ActiveJobs returns the number of jobs currently tracked.
func (s *Scheduler) ActiveJobs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// HasActiveJob reports whether any tracked job's status carries the given
// key/value pair. Ingress uses this for single-active-execution dedupe.
func (s *Scheduler) HasActiveJob(ctx context.Context, key, value string) bool {
	s.mu.RLock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	for _, j := range jobs {
		status, err := j.Status(ctx)
		if err != nil {
			continue
		}
		if status[key] == value {
			return true
		}
	}
	return false
}
