// Package pipeline runs the two-stage image-to-video job as a saga: credits
// are deducted up front and every failure path, including a panic, refunds
// them exactly once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"genplane/internal/blob"
	"genplane/internal/credits"
	"genplane/internal/events"
	"genplane/internal/keypool"
	"genplane/internal/logger"
	"genplane/internal/observability"
	"genplane/internal/poller"
	"genplane/internal/progress"
	"genplane/internal/upstream"
	"genplane/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FeatureImageToVideo tags ledger entries written by this pipeline.
const FeatureImageToVideo = "image_to_video"

var (
	// ErrInvalidRequest is returned for requests rejected before any deduction.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrStorage wraps artifact persistence failures.
	ErrStorage = errors.New("artifact storage failed")
	// errPanic wraps a value recovered from a panic inside a job.
	errPanic = errors.New("internal error")
)

// Stage is the lifecycle position of a job.
type Stage string

const (
	StagePending        Stage = "pending"
	StageImageDone      Stage = "image_done"
	StageVideoSubmitted Stage = "video_submitted"
	StageVideoDone      Stage = "video_done"
	StageFailed         Stage = "failed"
	StageRefunded       Stage = "refunded"
	StageComplete       Stage = "complete"
)

// Job is the ephemeral record of one run. It lives as long as the stream.
type Job struct {
	ID string
	// RunID is unique per run. Two jobs for one user in the same millisecond
	// share an ID, so key leases and artifact paths use RunID.
	RunID     string
	UserID    uuid.UUID
	Stage     Stage
	Cost      int64
	StartedAt time.Time
	Timings   map[Stage]time.Duration
	Err       string
	VideoURL  string
	ImageURL  string

	deduction       credits.Deduction
	deducted        bool
	refundAttempted bool
	refunded        bool
	imageDelivered  bool
}

// Result is what a run hands back to the caller: the job and the
// post-commit events to dispatch once the stream has closed.
type Result struct {
	Job    *Job
	Events []events.Event
}

// Ledger is the subset of credits.Ledger the pipeline needs.
type Ledger interface {
	TryDeduct(ctx context.Context, userID uuid.UUID, amount int64, feature, description string) (credits.Deduction, error)
	Refund(ctx context.Context, userID uuid.UUID, d credits.Deduction, feature, reason string) (int64, error)
}

// KeyLeaser hands out upstream credentials.
type KeyLeaser interface {
	Lease(sessionID string) (int, bool)
	Key(index int) string
	Release(sessionID string)
}

// ImageGenerator runs stage 1.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, apiKey, prompt string) (upstream.Image, error)
}

// VideoGenerator builds stage 2 operations and the downloader for remote results.
type VideoGenerator interface {
	VideoOperation(apiKey string, req upstream.VideoRequest) poller.Operation
	Downloader(apiKey string) poller.Downloader
}

// OperationRunner drives a long-running operation to completion.
type OperationRunner interface {
	Run(ctx context.Context, op poller.Operation) ([]byte, error)
}

type Config struct {
	Cost          int64
	MinVideoBytes int
	BlobPrefix    string
	// XPPerJob is the experience awarded in the xp.awarded event.
	XPPerJob int
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Ledger  Ledger
	Keys    KeyLeaser
	Images  ImageGenerator
	Videos  VideoGenerator
	Runner  OperationRunner
	Blobs   blob.Store
	Logger  *slog.Logger
	Metrics *observability.Instruments
}

type Pipeline struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
	now    func() time.Time
}

func New(cfg Config, deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.XPPerJob == 0 {
		cfg.XPPerJob = 10
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer("genplane/pipeline"),
		now:    time.Now,
	}
}

// Run executes one job and emits its progress on em. The stream is always
// closed and always ends with either complete or error.
func (p *Pipeline) Run(ctx context.Context, userID uuid.UUID, req api.GenerateRequest, em progress.Emitter) (res Result) {
	start := p.now()
	job := &Job{
		ID:        fmt.Sprintf("%s-%d", userID, start.UnixMilli()),
		RunID:     fmt.Sprintf("%s-%d-%s", userID, start.UnixMilli(), uuid.NewString()[:8]),
		UserID:    userID,
		Stage:     StagePending,
		Cost:      p.cfg.Cost,
		StartedAt: start,
		Timings:   make(map[Stage]time.Duration),
	}
	res.Job = job

	ctx, span := p.tracer.Start(ctx, "image_to_video",
		trace.WithAttributes(attribute.String("job.id", job.ID), attribute.Int64("job.cost", job.Cost)))
	log := logger.FromContext(ctx, p.deps.Logger).With("job_id", job.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			p.fail(ctx, log, job, em, fmt.Errorf("%w: %v", errPanic, r), "unexpected failure")
			res.Events = nil
		}
		em.Close()

		outcome := string(job.Stage)
		p.deps.Metrics.JobFinished(ctx, outcome, p.now().Sub(start).Seconds())
		span.SetAttributes(attribute.String("job.stage", outcome))
		if job.Err != "" {
			span.SetStatus(codes.Error, job.Err)
		}
		span.End()
		log.Info("job finished", "stage", job.Stage, "refunded", job.refunded, "duration", p.now().Sub(start))
	}()

	if err := validate(req, p.cfg.Cost); err != nil {
		job.Stage = StageFailed
		job.Err = err.Error()
		p.emit(log, em, api.EventError, api.ErrorEvent{Error: err.Error(), Code: api.CodeInvalidRequest})
		return res
	}

	d, err := p.deps.Ledger.TryDeduct(ctx, userID, job.Cost, FeatureImageToVideo, "image to video "+job.ID)
	if err != nil {
		job.Stage = StageFailed
		job.Err = err.Error()
		p.emit(log, em, api.EventError, api.ErrorEvent{Error: err.Error(), Code: errorCode(err)})
		return res
	}
	job.deduction = d
	job.deducted = true
	p.deps.Metrics.CreditsDeducted(ctx, FeatureImageToVideo, d.Amount)
	log.Info("credits deducted", "amount", d.Amount, "balance", d.Balance)

	idx, ok := p.deps.Keys.Lease(job.RunID)
	if !ok {
		p.fail(ctx, log, job, em, keypool.ErrKeyPoolExhausted, "no upstream key")
		return res
	}
	defer p.deps.Keys.Release(job.RunID)
	apiKey := p.deps.Keys.Key(idx)

	p.emit(log, em, api.EventProgress, api.ProgressEvent{Step: 1, Message: "Generating image"})

	img, err := p.generateImage(ctx, apiKey, req.Prompt)
	if err != nil {
		p.fail(ctx, log, job, em, err, "stage 1 failed")
		return res
	}
	p.mark(job, StageImageDone)

	p.emit(log, em, api.EventImage, api.ImageEvent{ImageBase64: img.Base64(), MimeType: img.MimeType})
	job.imageDelivered = true
	p.emit(log, em, api.EventProgress, api.ProgressEvent{Step: 2, Message: "Generating video"})

	video, err := p.generateVideo(ctx, job, apiKey, req, img)
	if err != nil {
		p.fail(ctx, log, job, em, err, "stage 2 failed")
		return res
	}
	p.mark(job, StageVideoDone)

	if err := p.persist(ctx, job, img, video); err != nil {
		p.fail(ctx, log, job, em, err, "storage failed")
		return res
	}

	p.emit(log, em, api.EventVideo, api.VideoEvent{VideoURL: job.VideoURL, ImageURL: job.ImageURL})
	p.emit(log, em, api.EventComplete, api.CompleteEvent{Success: true, CreditsUsed: job.Cost, JobID: job.ID})
	p.mark(job, StageComplete)

	now := p.now()
	res.Events = []events.Event{
		{
			Type:       events.TypeXPAwarded,
			UserID:     userID.String(),
			JobID:      job.ID,
			Data:       map[string]any{"xp": p.cfg.XPPerJob, "feature": FeatureImageToVideo},
			OccurredAt: now,
		},
		{
			Type:       events.TypeActivityLogged,
			UserID:     userID.String(),
			JobID:      job.ID,
			Data:       map[string]any{"feature": FeatureImageToVideo, "credits": job.Cost, "video_url": job.VideoURL},
			OccurredAt: now,
		},
	}
	return res
}

func validate(req api.GenerateRequest, cost int64) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if req.DurationSeconds < 0 {
		return fmt.Errorf("%w: duration_seconds must not be negative", ErrInvalidRequest)
	}
	if cost <= 0 {
		return fmt.Errorf("%w: job cost must be positive", ErrInvalidRequest)
	}
	return nil
}

func (p *Pipeline) generateImage(ctx context.Context, apiKey, prompt string) (upstream.Image, error) {
	ctx, span := p.tracer.Start(ctx, "stage.image")
	defer span.End()

	img, err := p.deps.Images.GenerateImage(ctx, apiKey, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "image generation failed")
		return upstream.Image{}, err
	}
	span.SetAttributes(attribute.Int("image.bytes", len(img.Data)))
	return img, nil
}

func (p *Pipeline) generateVideo(ctx context.Context, job *Job, apiKey string, req api.GenerateRequest, img upstream.Image) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, "stage.video")
	defer span.End()

	op := p.deps.Videos.VideoOperation(apiKey, upstream.VideoRequest{
		Prompt:          req.Prompt,
		NegativePrompt:  req.NegativePrompt,
		Image:           img,
		AspectRatio:     req.AspectRatio,
		DurationSeconds: req.DurationSeconds,
	})
	p.mark(job, StageVideoSubmitted)

	raw, err := p.deps.Runner.Run(ctx, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "video operation failed")
		return nil, err
	}

	extractor := poller.Extractor{
		Shapes:     poller.DefaultVideoShapes,
		Downloader: p.deps.Videos.Downloader(apiKey),
		MinBytes:   p.cfg.MinVideoBytes,
	}
	data, err := extractor.Extract(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "video extraction failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("video.bytes", len(data)))
	return data, nil
}

func (p *Pipeline) persist(ctx context.Context, job *Job, img upstream.Image, video []byte) error {
	ctx, span := p.tracer.Start(ctx, "stage.persist")
	defer span.End()

	imageURL, err := p.deps.Blobs.Put(ctx, blob.ObjectKey(p.cfg.BlobPrefix, job.RunID, "image", img.MimeType), img.Data, img.MimeType)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: image: %v", ErrStorage, err)
	}
	videoURL, err := p.deps.Blobs.Put(ctx, blob.ObjectKey(p.cfg.BlobPrefix, job.RunID, "video", "video/mp4"), video, "video/mp4")
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: video: %v", ErrStorage, err)
	}

	job.ImageURL = imageURL
	job.VideoURL = videoURL
	return nil
}

// fail refunds the deduction (at most once per job) and ends the stream
// with an error event.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, job *Job, em progress.Emitter, cause error, reason string) {
	if job.Stage == StageComplete {
		log.Error("failure after completion ignored", "error", cause)
		return
	}
	job.Stage = StageFailed
	job.Err = fmt.Sprintf("%s: %v", reason, cause)
	log.Warn("job failed", "reason", reason, "error", cause)

	p.refund(ctx, log, job, reason)
	if job.refunded {
		job.Stage = StageRefunded
	}

	p.emit(log, em, api.EventError, api.ErrorEvent{
		Error:          job.Err,
		Code:           errorCode(cause),
		Refunded:       job.refunded,
		ImageDelivered: job.imageDelivered,
	})
}

// refund issues the compensating credit. It is attempted at most once per
// job, even if that attempt fails, so a retry can never double-credit.
func (p *Pipeline) refund(ctx context.Context, log *slog.Logger, job *Job, reason string) {
	if !job.deducted || job.refundAttempted {
		return
	}
	job.refundAttempted = true
	// the caller may have disconnected; the refund must still land
	ctx = context.WithoutCancel(ctx)

	balance, err := p.deps.Ledger.Refund(ctx, job.UserID, job.deduction, FeatureImageToVideo, reason)
	if err != nil {
		log.Error("refund failed", "user_id", job.UserID, "amount", job.deduction.Amount, "reason", reason, "error", err)
		return
	}
	job.refunded = true
	p.deps.Metrics.CreditsRefunded(ctx, FeatureImageToVideo, job.deduction.Amount)
	log.Info("credits refunded", "amount", job.deduction.Amount, "reason", reason, "balance", balance)
}

func (p *Pipeline) mark(job *Job, stage Stage) {
	job.Stage = stage
	job.Timings[stage] = p.now().Sub(job.StartedAt)
}

// emit never aborts the job: a broken stream shows up as a cancelled
// request context, which the running stage observes.
func (p *Pipeline) emit(log *slog.Logger, em progress.Emitter, event string, payload any) {
	if err := em.Emit(event, payload); err != nil {
		log.Debug("progress event dropped", "event", event, "error", err)
	}
}

func errorCode(err error) string {
	var apiErr *upstream.APIError
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return api.CodeInsufficientCredits
	case errors.Is(err, poller.ErrUpstreamRejected), errors.As(err, &apiErr):
		return api.CodeUpstreamRejected
	case errors.Is(err, poller.ErrTimeout):
		return api.CodeTimeout
	case errors.Is(err, poller.ErrUnrecognizedResponseShape), errors.Is(err, upstream.ErrEmptyImage):
		return api.CodeUnrecognizedShape
	case errors.Is(err, keypool.ErrKeyPoolExhausted):
		return api.CodeKeyPoolExhausted
	case errors.Is(err, ErrStorage):
		return api.CodeStorageFailed
	case errors.Is(err, ErrInvalidRequest):
		return api.CodeInvalidRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return api.CodeCancelled
	default:
		return api.CodeInternal
	}
}
