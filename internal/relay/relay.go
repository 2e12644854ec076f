// Package relay runs one inbound image through the backend and waits for the
// matching completion signal before returning the first rendered result.
package relay

import (
	"context"
	"errors"
	"fmt"
	"imagerelay/internal/apperrors"
	"imagerelay/internal/comfy"
	"imagerelay/internal/completion"
	"imagerelay/internal/config"
	"imagerelay/internal/observability"
	"imagerelay/internal/storage"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// JobClient is the backend surface the relay needs.
type JobClient interface {
	Upload(ctx context.Context, data []byte) (string, error)
	Submit(ctx context.Context, wf comfy.Workflow) (string, error)
	FetchOutputs(ctx context.Context, jobID string) ([]comfy.Artifact, error)
}

// WorkflowBuilder builds a job description for an uploaded image.
type WorkflowBuilder interface {
	Build(imageName string) (comfy.Workflow, error)
}

// Waiter registers interest in a completion signal.
type Waiter interface {
	Register(id string) (*completion.Pending, error)
}

// Publisher sends start-watching signals.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Store persists inbound payloads.
type Store interface {
	Save(ctx context.Context, bucket storage.Bucket, name string, data []byte) (string, error)
}

// MetricsRecorder is an optional interface for recording relay metrics.
type MetricsRecorder interface {
	RecordRelayStarted(ctx context.Context)
	RecordRelayFinished(ctx context.Context, outcome, kind string, durationSeconds float64)
	RecordSignalPublished(ctx context.Context, queue string)
}

// Config holds relay settings.
type Config struct {
	StartQueue        string
	CompletionTimeout time.Duration // bounded wait for the completion signal
	MaxConcurrent     int           // relays in flight (default: 16)
}

func (c Config) withDefaults() Config {
	if c.StartQueue == "" {
		c.StartQueue = "uuid_queue"
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = config.DefaultCompletionTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	return c
}

// Deps are the collaborators of a Service. Metrics may be nil.
type Deps struct {
	Store     Store
	Client    JobClient
	Template  WorkflowBuilder
	Waiter    Waiter
	Publisher Publisher
	Metrics   MetricsRecorder
}

// Service relays payloads. It is safe for concurrent use; each Handle call
// carries its own image name, correlation id and job id.
type Service struct {
	cfg    Config
	deps   Deps
	slots  chan struct{}
	logger *slog.Logger

	newID         func() string
	newUploadName func() string
}

// NewService creates a relay service.
func NewService(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:           cfg,
		deps:          deps,
		slots:         make(chan struct{}, cfg.MaxConcurrent),
		logger:        slog.With("component", "relay"),
		newID:         uuid.NewString,
		newUploadName: uploadName,
	}
}

// uploadName returns a time-ordered, collision-resistant file name.
func uploadName() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("image_%s.png", id)
}

// Handle runs the full relay for one payload. It returns the first output
// artifact, an empty result (nil, nil) when the job produced nothing, or a
// classified error. It never waits longer than the completion timeout plus
// the backend call timeouts.
func (s *Service) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, apperrors.Canceled("relay.admit", ctx.Err())
	}
	defer func() { <-s.slots }()

	start := time.Now()
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordRelayStarted(ctx)
	}

	result, err := s.relay(ctx, payload)
	if err != nil && ctx.Err() != nil && !errors.Is(err, apperrors.ErrCanceled) {
		err = apperrors.Canceled("relay", ctx.Err())
	}

	if s.deps.Metrics != nil {
		outcome := observability.OutcomeResult
		switch {
		case err != nil:
			outcome = observability.OutcomeError
		case len(result) == 0:
			outcome = observability.OutcomeEmpty
		}
		s.deps.Metrics.RecordRelayFinished(context.WithoutCancel(ctx), outcome, apperrors.Kind(err), time.Since(start).Seconds())
	}
	return result, err
}

func (s *Service) relay(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, apperrors.Validation("payload", "payload must not be empty")
	}
	logger := s.logger

	name := s.newUploadName()
	location, err := s.deps.Store.Save(ctx, storage.Uploads, name, payload)
	if err != nil {
		logger.Error("Failed to persist payload", "name", name, "error", err)
		return nil, apperrors.Storage("relay.persist", err)
	}
	logger.Info("Saved payload", "location", location, "bytes", len(payload))

	stepStart := time.Now()
	imageName, err := s.deps.Client.Upload(ctx, payload)
	if err != nil {
		logger.Error("Upload failed", "error", err)
		return nil, err
	}
	logger.Debug("Upload finished", "imageName", imageName, "elapsed", time.Since(stepStart))

	wf, err := s.deps.Template.Build(imageName)
	if err != nil {
		return nil, err
	}

	correlationID := s.newID()
	logger = logger.With("correlationId", correlationID)

	// register before publishing so a fast completion cannot be missed
	pending, err := s.deps.Waiter.Register(correlationID)
	if err != nil {
		logger.Error("Failed to register waiter", "error", err)
		return nil, err
	}
	defer pending.Cancel()

	if err := s.deps.Publisher.Publish(ctx, s.cfg.StartQueue, []byte(correlationID)); err != nil {
		logger.Error("Failed to publish start-watching signal", "queue", s.cfg.StartQueue, "error", err)
		return nil, apperrors.SignalBus("relay.publish", err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSignalPublished(ctx, s.cfg.StartQueue)
	}

	jobID, err := s.deps.Client.Submit(ctx, wf)
	if err != nil {
		logger.Error("Submit failed", "error", err)
		return nil, err
	}
	logger = logger.With("jobId", jobID)
	logger.Info("Job submitted, waiting for completion", "timeout", s.cfg.CompletionTimeout)

	stepStart = time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	err = pending.Wait(waitCtx)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			logger.Info("Caller went away while waiting")
			return nil, apperrors.Canceled("relay.wait", ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("No completion signal", "timeout", s.cfg.CompletionTimeout)
			return nil, apperrors.CompletionTimeout(correlationID, s.cfg.CompletionTimeout)
		default:
			logger.Error("Completion wait failed", "error", err)
			return nil, err
		}
	}
	logger.Info("Completion signal received", "elapsed", time.Since(stepStart))

	artifacts, err := s.deps.Client.FetchOutputs(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Canceled("relay.fetch", ctx.Err())
		}
		logger.Warn("Fetching outputs failed, replying with empty result", "error", err)
		return nil, nil
	}
	if len(artifacts) == 0 {
		logger.Info("Job produced no outputs")
		return nil, nil
	}

	logger.Info("Relay finished", "artifacts", len(artifacts), "bytes", len(artifacts[0].Data))
	return artifacts[0].Data, nil
}
