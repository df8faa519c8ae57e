package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/redact"
)

// ErrWorkerQueueFull is returned when a worker cannot accept more units.
var ErrWorkerQueueFull = errors.New("worker queue full")

// WorkerType indicates what kind of work a worker handles.
type WorkerType string

const (
	WorkerTypeLLM    WorkerType = "llm"
	WorkerTypeOCR    WorkerType = "ocr"
	WorkerTypeDetect WorkerType = "detect"
)

// workerResult pairs a work result with its unit for routing.
type workerResult struct {
	JobID  string
	Unit   *WorkUnit
	Result WorkResult
}

// Worker wraps a single provider with rate limiting. Each worker owns its
// input queue and runs a configurable number of goroutines; the shared
// rate limiter keeps the provider within budget regardless of concurrency.
type Worker struct {
	name       string
	workerType WorkerType
	llm        providers.LLMClient
	ocr        providers.OCRProvider
	redactor   *redact.Redactor
	limiter    *providers.RateLimiter
	logger     *slog.Logger

	concurrency int
	queue       chan *WorkUnit
	results     chan<- workerResult
}

// WorkerConfig configures a new worker. Exactly one provider field must be
// set.
type WorkerConfig struct {
	Name   string
	Logger *slog.Logger

	LLMClient   providers.LLMClient
	OCRProvider providers.OCRProvider
	Redactor    *redact.Redactor

	// RPS overrides the provider's rate limit when > 0.
	RPS float64

	// Concurrency is the number of in-flight units (default 1).
	Concurrency int

	// QueueSize bounds the worker's input queue (default 100).
	QueueSize int
}

// NewWorker creates a worker wrapping a provider.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		name:        cfg.Name,
		concurrency: cfg.Concurrency,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	w.queue = make(chan *WorkUnit, queueSize)

	rps := cfg.RPS
	switch {
	case cfg.LLMClient != nil:
		w.workerType = WorkerTypeLLM
		w.llm = cfg.LLMClient
		if rps == 0 {
			rps = cfg.LLMClient.RequestsPerSecond()
		}
		if w.name == "" {
			w.name = cfg.LLMClient.Name()
		}
	case cfg.OCRProvider != nil:
		w.workerType = WorkerTypeOCR
		w.ocr = cfg.OCRProvider
		if rps == 0 {
			rps = cfg.OCRProvider.RequestsPerSecond()
		}
		if w.name == "" {
			w.name = cfg.OCRProvider.Name()
		}
	case cfg.Redactor != nil:
		w.workerType = WorkerTypeDetect
		w.redactor = cfg.Redactor
		if w.name == "" {
			w.name = "redactor"
		}
	default:
		return nil, fmt.Errorf("worker needs an LLM client, OCR provider or redactor")
	}

	if rps <= 0 {
		rps = 1.0
	}
	w.limiter = providers.NewRateLimiter(rps)
	w.logger = logger.With("worker", w.name, "type", string(w.workerType))
	return w, nil
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// Type returns the worker type.
func (w *Worker) Type() WorkerType { return w.workerType }

// QueueDepth returns the number of queued units.
func (w *Worker) QueueDepth() int { return len(w.queue) }

// init attaches the scheduler's results channel.
func (w *Worker) init(results chan<- workerResult) {
	w.results = results
}

// Start runs the worker's goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started", "concurrency", w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		go w.loop(ctx)
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case unit := <-w.queue:
			result := w.Process(ctx, unit)
			select {
			case w.results <- workerResult{JobID: unit.JobID, Unit: unit, Result: result}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Submit adds a work unit to this worker's queue.
func (w *Worker) Submit(unit *WorkUnit) error {
	select {
	case w.queue <- unit:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrWorkerQueueFull, w.name)
	}
}

// Process executes one work unit.
func (w *Worker) Process(ctx context.Context, unit *WorkUnit) WorkResult {
	result := WorkResult{WorkUnitID: unit.ID, Payload: unit.Payload}

	if string(unit.Type) != string(w.workerType) {
		result.Error = fmt.Errorf("unit type %s does not match worker type %s", unit.Type, w.workerType)
		return result
	}

	// The redactor paces its own detection calls.
	if w.workerType != WorkerTypeDetect {
		if err := w.limiter.Wait(ctx); err != nil {
			result.Error = fmt.Errorf("rate limit wait failed: %w", err)
			return result
		}
	}

	switch w.workerType {
	case WorkerTypeLLM:
		if unit.ChatRequest == nil {
			result.Error = fmt.Errorf("llm work unit missing chat request")
			return result
		}
		callCtx := ctx
		if timeout := unit.ChatRequest.Timeout; timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var chatResult *providers.ChatResult
		var err error
		if len(unit.Tools) > 0 {
			chatResult, err = w.llm.ChatWithTools(callCtx, unit.ChatRequest, unit.Tools)
		} else {
			chatResult, err = w.llm.Chat(callCtx, unit.ChatRequest)
		}
		result.ChatResult = chatResult
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("llm call exceeded %s timeout: %w", unit.ChatRequest.Timeout, context.DeadlineExceeded)
			}
			result.Error = err
		} else {
			result.Success = true
		}

	case WorkerTypeOCR:
		if unit.OCRRequest == nil {
			result.Error = fmt.Errorf("ocr work unit missing request")
			return result
		}
		doc, err := w.ocr.ProcessDocument(ctx, unit.OCRRequest.PDF, unit.OCRRequest.Filename)
		if err != nil {
			result.Error = err
		} else {
			result.OCRResult = doc
			result.Success = true
		}

	case WorkerTypeDetect:
		if unit.DetectRequest == nil {
			result.Error = fmt.Errorf("detect work unit missing document")
			return result
		}
		doc, stats, err := w.redactor.RedactDocument(ctx, unit.DetectRequest)
		if err != nil {
			result.Error = err
		} else {
			result.RedactedResult = doc
			result.RedactStats = stats
			result.Success = true
		}
	}

	if result.Success {
		w.logger.Debug("work unit completed", "unit_id", unit.ID)
	} else {
		w.logger.Warn("work unit failed", "unit_id", unit.ID, "error", result.Error)
	}
	return result
}
