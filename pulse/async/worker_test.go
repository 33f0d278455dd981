package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/meridian/errors"
)

func newTestPool(t *testing.T, handlers ...JobHandler) (*WorkerPool, *Queue, *recorder) {
	t.Helper()
	q, rec := newTestQueue(t)
	registry := NewHandlerRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}
	pool := NewWorkerPool(context.Background(), q, registry, WorkerPoolConfig{
		Workers:         1,
		PollInterval:    20 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, zaptest.NewLogger(t).Sugar())
	return pool, q, rec
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWorkerPool_RunsJobToCompletion(t *testing.T) {
	handler := HandlerFunc{JobKind: KindShort, Fn: func(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error) {
		for _, n := range []int{10, 40, 40, 70, 100} {
			emitter.Progress(n, "rendering")
		}
		return "https://example.test/" + job.ItemID, nil
	}}
	pool, q, rec := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	job, err := q.Create(context.Background(), JobSpec{Kind: KindShort, ItemID: "item-7"})
	require.NoError(t, err)

	h, err := pool.Submit(job)
	require.NoError(t, err)

	final, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, final.Status)
	assert.Equal(t, "https://example.test/item-7", final.Result)
	assert.Equal(t, 100, final.Progress)
	assert.NotNil(t, final.CompletedAt)

	assert.Equal(t, []int{0, 10, 40, 40, 70, 100}, rec.progress(job.ID),
		"start then every accepted progress update is notified in order")
}

func TestWorkerPool_FailureIsRecorded(t *testing.T) {
	handler := HandlerFunc{JobKind: KindShort, Fn: func(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error) {
		emitter.Progress(10, "step 1")
		emitter.Progress(5, "backwards")
		return "", errors.New("upload quota exceeded")
	}}
	pool, q, rec := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	job, err := q.Create(context.Background(), JobSpec{Kind: KindShort})
	require.NoError(t, err)
	h, err := pool.Submit(job)
	require.NoError(t, err)

	final, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, final.Status)
	assert.Equal(t, "upload quota exceeded", final.Error)
	assert.Equal(t, 10, final.Progress, "the decreasing update was rejected")
	assert.Equal(t, []int{0, 10}, rec.progress(job.ID))
}

func TestWorkerPool_PanicBecomesFailure(t *testing.T) {
	handler := HandlerFunc{JobKind: KindShort, Fn: func(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error) {
		panic("ffmpeg exploded")
	}}
	pool, q, _ := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	job, err := q.Create(context.Background(), JobSpec{Kind: KindShort})
	require.NoError(t, err)
	h, err := pool.Submit(job)
	require.NoError(t, err)

	final, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, final.Status)
	assert.Contains(t, final.Error, "ffmpeg exploded")
}

func TestWorkerPool_DoesNotBlockSubmitter(t *testing.T) {
	release := make(chan struct{})
	handler := HandlerFunc{JobKind: KindShort, Fn: func(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error) {
		<-release
		return "ok", nil
	}}
	pool, q, _ := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	job, err := q.Create(context.Background(), JobSpec{Kind: KindShort})
	require.NoError(t, err)

	submitted := make(chan *Handle, 1)
	go func() {
		h, err := pool.Submit(job)
		assert.NoError(t, err)
		submitted <- h
	}()

	var h *Handle
	select {
	case h = <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on the pipeline")
	}

	require.Eventually(t, func() bool {
		j, err := q.Get(context.Background(), job.ID)
		return err == nil && j.Status == JobStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	final, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, final.Status)
}

func TestWorkerPool_CancelledBeforePickupIsSkipped(t *testing.T) {
	ran := make(chan struct{}, 1)
	handler := HandlerFunc{JobKind: KindShort, Fn: func(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error) {
		ran <- struct{}{}
		return "ok", nil
	}}
	pool, q, _ := newTestPool(t, handler)
	ctx := context.Background()

	job, err := q.Create(ctx, JobSpec{Kind: KindShort})
	require.NoError(t, err)
	h, err := pool.Submit(job)
	require.NoError(t, err)

	_, err = q.Transition(ctx, job.ID, Cancel())
	require.NoError(t, err)

	final, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, final.Status)

	pool.Start()
	defer pool.Stop()
	time.Sleep(100 * time.Millisecond)
	select {
	case <-ran:
		t.Fatal("cancelled job was executed")
	default:
	}
}

func TestWorkerPool_SubmitValidation(t *testing.T) {
	noop := HandlerFunc{JobKind: KindShort, Fn: func(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error) {
		return "", nil
	}}
	pool, q, _ := newTestPool(t, noop)
	ctx := context.Background()

	_, err := pool.Submit(nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	unknown, err := q.Create(ctx, JobSpec{Kind: "podcast"})
	require.NoError(t, err)
	_, err = pool.Submit(unknown)
	assert.True(t, errors.IsInvalidRequestError(err))

	running, err := q.Create(ctx, JobSpec{Kind: KindShort})
	require.NoError(t, err)
	running, err = q.Transition(ctx, running.ID, Start())
	require.NoError(t, err)
	_, err = pool.Submit(running)
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestWorkerPool_StartRecoversOrphans(t *testing.T) {
	noop := HandlerFunc{JobKind: KindShort, Fn: func(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error) {
		return "", nil
	}}
	pool, q, _ := newTestPool(t, noop)
	ctx := context.Background()

	orphan, err := q.Create(ctx, JobSpec{Kind: KindShort})
	require.NoError(t, err)
	_, err = q.Transition(ctx, orphan.ID, Start())
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	got, err := q.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, ErrInterruptedByRestart, got.Error)
}

func TestWorkerPool_DeleteResolvesWaiter(t *testing.T) {
	noop := HandlerFunc{JobKind: KindShort, Fn: func(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error) {
		return "", nil
	}}
	pool, q, _ := newTestPool(t, noop)
	ctx := context.Background()

	job, err := q.Create(ctx, JobSpec{Kind: KindShort})
	require.NoError(t, err)
	h, err := pool.Submit(job)
	require.NoError(t, err)
	require.NoError(t, q.Delete(ctx, job.ID))

	_, err = h.Wait(waitCtx(t))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	r.Register(HandlerFunc{JobKind: KindLong})
	r.Register(HandlerFunc{JobKind: KindShort})

	assert.True(t, r.Has(KindShort))
	assert.False(t, r.Has("podcast"))
	assert.Nil(t, r.Get("podcast"))
	assert.Equal(t, []string{KindLong, KindShort}, r.Kinds())

	assert.Panics(t, func() { r.Register(HandlerFunc{JobKind: KindShort}) })
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ErrorCodeTimeout, ClassifyError("short", context.DeadlineExceeded).Code)
	assert.Equal(t, ErrorCodeUploadError, ClassifyError("short", errors.New("upload rejected")).Code)
	assert.Equal(t, ErrorCodePanic, ClassifyError("short", errors.Mark(errors.New("boom"), errHandlerPanic)).Code)
	assert.Equal(t, ErrorCodeUnknown, ClassifyError("short", errors.New("boom")).Code)
	assert.Equal(t, "unknown error", ClassifyError("short", nil).Message)
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(0.5))
	assert.Equal(t, 1, calculateSafeWorkerCount(2))
	assert.Equal(t, 4, calculateSafeWorkerCount(9))
	assert.Equal(t, 8, calculateSafeWorkerCount(64))
}
