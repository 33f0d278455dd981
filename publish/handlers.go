package publish

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/meridian/calendar"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/ideabank"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/pipeline"
	"github.com/teranos/meridian/pulse/async"
)

// Job progress bands: generation reports into [0, generateBand], upload follows
const (
	generateBand = 80
	uploadStart  = 85
)

// Upload privacy values understood by publishers
const (
	PrivacyPrivate = "private"
	PrivacyPublic  = "public"
)

// ShortHandler runs short-form jobs: one work item, published at its slot time
type ShortHandler struct {
	bank      *ideabank.Store
	generator pipeline.Generator
	publisher pipeline.Publisher
	ledger    *calendar.Store
	location  *time.Location // zone calendar entries are rendered in
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// NewShortHandler creates the short-form handler
func NewShortHandler(bank *ideabank.Store, gen pipeline.Generator, pub pipeline.Publisher, ledger *calendar.Store, loc *time.Location, log *zap.SugaredLogger) *ShortHandler {
	return &ShortHandler{
		bank:      bank,
		generator: gen,
		publisher: pub,
		ledger:    ledger,
		location:  loc,
		now:       time.Now,
		logger:    logger.AddPulseSymbol(log.Named("publish.short")),
	}
}

// Kind implements async.JobHandler
func (h *ShortHandler) Kind() string { return async.KindShort }

// Execute implements async.JobHandler
func (h *ShortHandler) Execute(ctx context.Context, job *async.Job, emitter async.ProgressEmitter) (string, error) {
	log := h.logger.With(logger.FieldJobID, job.ID, logger.FieldItemID, job.ItemID)

	if job.ItemID == "" {
		return "", errors.NewInvalidRequestError("short-form job %s has no work item", job.ID)
	}
	var payload ShortPayload
	if err := decode(job.Payload, &payload); err != nil {
		return "", err
	}

	item, err := h.bank.Get(ctx, job.ItemID)
	if err != nil {
		return "", err
	}
	if item.Status == ideabank.StatusUsed {
		return "", errors.Wrapf(errors.ErrConflict, "work item %s was already published by job %s", item.ID, item.JobID)
	}

	at := h.now()
	if payload.PublishAt != nil {
		at = *payload.PublishAt
	}
	entry, err := h.ledger.Add(ctx, calendar.Draft{
		At:       at.In(h.location),
		Kind:     async.KindShort,
		Category: item.Category,
		Title:    item.Title,
		JobID:    job.ID,
	})
	if err != nil {
		return "", err
	}

	url, err := h.run(ctx, job, item, payload, emitter)
	if err != nil {
		if _, lerr := h.ledger.MarkFailed(context.WithoutCancel(ctx), entry.ID, err); lerr != nil {
			log.Warnw("Failed to record failure in calendar", logger.FieldError, lerr)
		}
		return "", err
	}

	// The upload has happened: a bookkeeping error here must not fail the job
	if err := h.bank.MarkUsed(ctx, item.ID, job.ID); err != nil {
		log.Warnw("Failed to mark work item used", logger.FieldError, err)
	}
	var publishAt *time.Time
	if payload.PublishAt != nil {
		t := payload.PublishAt.In(h.location)
		publishAt = &t
	}
	if _, err := h.ledger.MarkUploaded(ctx, entry.ID, url, publishAt); err != nil {
		log.Warnw("Failed to record upload in calendar", logger.FieldError, err)
	}

	emitter.Progress(100, "Published")
	log.Infow("Short-form published", logger.FieldCategory, item.Category, "url", url)
	return url, nil
}

func (h *ShortHandler) run(ctx context.Context, job *async.Job, item *ideabank.Item, payload ShortPayload, emitter async.ProgressEmitter) (string, error) {
	artifact, err := h.generator.Generate(ctx, pipeline.Request{
		JobID:       job.ID,
		Kind:        async.KindShort,
		Category:    item.Category,
		Title:       item.Title,
		Description: item.Description,
		Payload:     item.Payload,
	}, func(pct int, msg string) {
		emitter.Progress(scaleProgress(pct, 0, generateBand), msg)
	})
	if err != nil {
		return "", errors.Wrap(err, "generation failed")
	}

	emitter.Progress(uploadStart, "Uploading")
	opts := pipeline.UploadOptions{Privacy: PrivacyPublic}
	if payload.PublishAt != nil && payload.PublishAt.After(h.now()) {
		utc := payload.PublishAt.UTC()
		opts = pipeline.UploadOptions{Privacy: PrivacyPrivate, PublishAt: &utc}
	}
	up, err := h.publisher.Upload(ctx, artifact, opts)
	if err != nil {
		return "", errors.Wrap(err, "upload failed")
	}
	return up.URL, nil
}

// LongHandler runs long-form jobs planned by the buffer scheduler
type LongHandler struct {
	generator pipeline.Generator
	publisher pipeline.Publisher
	ledger    *calendar.Store
	location  *time.Location
	logger    *zap.SugaredLogger
}

// NewLongHandler creates the long-form handler
func NewLongHandler(gen pipeline.Generator, pub pipeline.Publisher, ledger *calendar.Store, loc *time.Location, log *zap.SugaredLogger) *LongHandler {
	return &LongHandler{
		generator: gen,
		publisher: pub,
		ledger:    ledger,
		location:  loc,
		logger:    logger.AddBufferSymbol(log.Named("publish.long")),
	}
}

// Kind implements async.JobHandler
func (h *LongHandler) Kind() string { return async.KindLong }

// Execute implements async.JobHandler
func (h *LongHandler) Execute(ctx context.Context, job *async.Job, emitter async.ProgressEmitter) (string, error) {
	var p LongPayload
	if err := decode(job.Payload, &p); err != nil {
		return "", err
	}
	if p.Category == "" || p.DurationSeconds <= 0 || p.PublishAt.IsZero() {
		return "", errors.NewInvalidRequestError("long-form job %s has an incomplete plan", job.ID)
	}
	log := h.logger.With(logger.FieldJobID, job.ID, logger.FieldCategory, p.Category)

	publishAt := p.PublishAt.In(h.location)
	entry, err := h.ledger.Add(ctx, calendar.Draft{
		At:              publishAt,
		Kind:            async.KindLong,
		Category:        p.Category,
		JobID:           job.ID,
		DurationSeconds: p.DurationSeconds,
	})
	if err != nil {
		return "", err
	}

	artifact, err := h.generator.Generate(ctx, pipeline.Request{
		JobID:           job.ID,
		Kind:            async.KindLong,
		Category:        p.Category,
		DurationSeconds: p.DurationSeconds,
		Track:           p.Track,
	}, func(pct int, msg string) {
		emitter.Progress(scaleProgress(pct, 0, generateBand), msg)
	})
	if err != nil {
		return "", h.fail(ctx, entry.ID, errors.Wrap(err, "generation failed"), log)
	}

	emitter.Progress(uploadStart, "Uploading")
	utc := p.PublishAt.UTC()
	up, err := h.publisher.Upload(ctx, artifact, pipeline.UploadOptions{Privacy: PrivacyPrivate, PublishAt: &utc})
	if err != nil {
		return "", h.fail(ctx, entry.ID, errors.Wrap(err, "upload failed"), log)
	}

	if up.ScheduledAt != nil {
		publishAt = up.ScheduledAt.In(h.location)
	}
	if _, err := h.ledger.MarkUploaded(ctx, entry.ID, up.URL, &publishAt); err != nil {
		log.Warnw("Failed to record upload in calendar", logger.FieldError, err)
	}

	emitter.Progress(100, "Scheduled")
	log.Infow("Long-form scheduled",
		logger.FieldDuration, p.DurationSeconds,
		logger.FieldTrack, p.Track,
		logger.FieldPublishAt, publishAt.Format(time.RFC3339),
		"url", up.URL)
	return up.URL, nil
}

func (h *LongHandler) fail(ctx context.Context, entryID string, err error, log *zap.SugaredLogger) error {
	if _, lerr := h.ledger.MarkFailed(context.WithoutCancel(ctx), entryID, err); lerr != nil {
		log.Warnw("Failed to record failure in calendar", logger.FieldError, lerr)
	}
	return err
}
