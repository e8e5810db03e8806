package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	filterpkg "github.com/drblury/busflow/internal/runtime/filter"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

type job struct {
	Name string `json:"name"`
}

type recordingProcessor struct {
	mu     sync.Mutex
	seen   []handlerpkg.Envelope[job]
	errs   []error
	failOn string
}

func (p *recordingProcessor) Process(_ context.Context, env handlerpkg.Envelope[job]) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, env)
	if env.Payload.Name == p.failOn {
		return errors.New("job failed")
	}
	return nil
}

func (p *recordingProcessor) HandleError(_ context.Context, err error, _ metadatapkg.Metadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

func (p *recordingProcessor) snapshot() ([]handlerpkg.Envelope[job], []error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]handlerpkg.Envelope[job](nil), p.seen...), append([]error(nil), p.errs...)
}

type fakeQueue struct {
	mu         sync.Mutex
	batches    [][]transport.QueueMessage
	receiveErr error
	deleteErr  error
	createErr  error
	created    int
	events     []string
}

func (q *fakeQueue) CreateIfNotExists(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.created++
	return q.createErr
}

func (q *fakeQueue) ReceiveMessages(ctx context.Context, max int, _ time.Duration) ([]transport.QueueMessage, error) {
	q.mu.Lock()
	q.events = append(q.events, "receive")
	if len(q.batches) > 0 {
		batch := q.batches[0]
		q.batches = q.batches[1:]
		q.mu.Unlock()
		if len(batch) > max {
			return nil, fmt.Errorf("batch of %d exceeds max %d", len(batch), max)
		}
		return batch, nil
	}
	err := q.receiveErr
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) DeleteMessage(_ context.Context, messageID, popReceipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, "delete:"+messageID+"/"+popReceipt)
	return q.deleteErr
}

func (q *fakeQueue) record(event string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
}

func (q *fakeQueue) log() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.events...)
}

func message(id, name string, props metadatapkg.Properties) transport.QueueMessage {
	return transport.QueueMessage{
		MessageID:    id,
		Body:         []byte(fmt.Sprintf(`{"name":%q}`, name)),
		PopReceipt:   "pr-" + id,
		DequeueCount: 1,
		Properties:   props,
	}
}

func newEngine(t *testing.T, processor *recordingProcessor, client *fakeQueue, filters *filterpkg.Chain, opts Options) *Engine[job] {
	t.Helper()
	binding, err := handlerpkg.Bind[job](processor, handlerpkg.BindingOptions{
		Backend:  metadatapkg.BackendQueue,
		Resource: "jobs",
		Filters:  filters,
	})
	require.NoError(t, err)
	engine, err := New(binding, client, opts)
	require.NoError(t, err)
	engine.wait = func(_ context.Context, d time.Duration) error {
		client.record("wait:" + d.String())
		return nil
	}
	return engine
}

func stop(t *testing.T, engine *Engine[job]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Stop(ctx))
}

func TestNew_Defaults(t *testing.T) {
	binding, err := handlerpkg.Bind[job](&recordingProcessor{}, handlerpkg.BindingOptions{Resource: "jobs"})
	require.NoError(t, err)

	_, err = New[job](nil, &fakeQueue{}, Options{})
	assert.ErrorIs(t, err, errspkg.ErrProcessorRequired)
	_, err = New(binding, nil, Options{})
	assert.ErrorIs(t, err, errspkg.ErrClientRequired)

	engine, err := New(binding, &fakeQueue{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollingInterval, engine.opts.PollingInterval)
	assert.Equal(t, DefaultMaxMessages, engine.opts.MaxMessages)
	assert.Equal(t, DefaultVisibilityTimeout, engine.opts.VisibilityTimeout)
	assert.False(t, engine.opts.CreateIfNotExists)
}

func TestLoop_DeletesEveryMessageAndBacksOffOnlyWhenEmpty(t *testing.T) {
	client := &fakeQueue{batches: [][]transport.QueueMessage{
		{message("m1", "ok", nil), message("m2", "boom", nil)},
		{},
		{message("m3", "ok", nil)},
	}}
	processor := &recordingProcessor{failOn: "boom"}
	engine := newEngine(t, processor, client, nil, Options{PollingInterval: 3 * time.Second})

	require.NoError(t, engine.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(client.log()) >= 8 }, 2*time.Second, 5*time.Millisecond)
	stop(t, engine)

	assert.Equal(t, []string{
		"receive",
		"delete:m1/pr-m1",
		"delete:m2/pr-m2",
		"receive",
		"wait:3s",
		"receive",
		"delete:m3/pr-m3",
		"receive",
	}, client.log())

	seen, errs := processor.snapshot()
	assert.Len(t, seen, 3)
	require.Len(t, errs, 1)
	var procErr *handlerpkg.ProcessingError
	require.ErrorAs(t, errs[0], &procErr)
	assert.Equal(t, "m2", procErr.MessageID)
	assert.Equal(t, handlerpkg.StageProcess, procErr.Stage)
	assert.False(t, engine.IsRunning())
	assert.NoError(t, engine.Err())
}

func TestLoop_FilteredMessageIsDeletedWithoutProcessing(t *testing.T) {
	client := &fakeQueue{batches: [][]transport.QueueMessage{
		{message("m1", "skip", metadatapkg.Properties{"kind": "audit"}), message("m2", "keep", metadatapkg.Properties{"kind": "job"})},
	}}
	processor := &recordingProcessor{}
	filters := filterpkg.NewChain(filterpkg.PropertyEquals("kind", "job"))
	engine := newEngine(t, processor, client, filters, Options{})

	require.NoError(t, engine.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(client.log()) >= 4 }, 2*time.Second, 5*time.Millisecond)
	stop(t, engine)

	assert.Equal(t, []string{"receive", "delete:m1/pr-m1", "delete:m2/pr-m2", "receive"}, client.log())
	seen, _ := processor.snapshot()
	require.Len(t, seen, 1)
	assert.Equal(t, "keep", seen[0].Payload.Name)
}

func TestLoop_MetadataCarriesQueueDetails(t *testing.T) {
	inserted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := message("m1", "ok", metadatapkg.Properties{"origin": "cron"})
	msg.DequeueCount = 2
	msg.InsertedOn = inserted
	msg.CorrelationID = "corr-1"
	client := &fakeQueue{batches: [][]transport.QueueMessage{{msg}}}
	processor := &recordingProcessor{}
	engine := newEngine(t, processor, client, nil, Options{})

	require.NoError(t, engine.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(client.log()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop(t, engine)

	seen, _ := processor.snapshot()
	require.Len(t, seen, 1)
	md := seen[0].Metadata
	assert.Equal(t, metadatapkg.BackendQueue, md.Backend)
	assert.Equal(t, inserted, md.EnqueuedTime)
	assert.Equal(t, "corr-1", md.CorrelationID)
	assert.Equal(t, "cron", md.Properties.String("origin"))
	details, ok := md.QueueDetails()
	require.True(t, ok)
	assert.Equal(t, 2, details.DequeueCount)
	assert.Equal(t, "pr-m1", details.PopReceipt)
}

func TestLoop_DeleteFailureIsRouted(t *testing.T) {
	boom := errors.New("receipt expired")
	client := &fakeQueue{
		batches:   [][]transport.QueueMessage{{message("m1", "ok", nil)}},
		deleteErr: boom,
	}
	processor := &recordingProcessor{}
	engine := newEngine(t, processor, client, nil, Options{})

	require.NoError(t, engine.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(client.log()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop(t, engine)

	_, errs := processor.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	var procErr *handlerpkg.ProcessingError
	require.ErrorAs(t, errs[0], &procErr)
	assert.Equal(t, handlerpkg.StageDelete, procErr.Stage)
}

func TestLoop_ReceiveErrorEndsLoop(t *testing.T) {
	boom := errors.New("access denied")
	client := &fakeQueue{receiveErr: boom}
	engine := newEngine(t, &recordingProcessor{}, client, nil, Options{})

	require.NoError(t, engine.Start(context.Background()))
	assert.Eventually(t, func() bool { return !engine.IsRunning() }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, engine.Err(), boom)
	assert.Equal(t, []string{"receive"}, client.log())
	stop(t, engine)
}

func TestStart_CreateIfNotExists(t *testing.T) {
	client := &fakeQueue{}
	engine := newEngine(t, &recordingProcessor{}, client, nil, Options{CreateIfNotExists: true})
	require.NoError(t, engine.Start(context.Background()))
	assert.True(t, engine.IsRunning())
	stop(t, engine)
	assert.Equal(t, 1, client.created)

	failing := &fakeQueue{createErr: errors.New("forbidden")}
	engine = newEngine(t, &recordingProcessor{}, failing, nil, Options{CreateIfNotExists: true})
	assert.EqualError(t, engine.Start(context.Background()), "forbidden")
	assert.False(t, engine.IsRunning())
	assert.Empty(t, failing.log())

	skipped := &fakeQueue{}
	engine = newEngine(t, &recordingProcessor{}, skipped, nil, Options{})
	require.NoError(t, engine.Start(context.Background()))
	stop(t, engine)
	assert.Zero(t, skipped.created)
}

func TestStop_InterruptsPollingWait(t *testing.T) {
	client := &fakeQueue{batches: [][]transport.QueueMessage{{}}}
	binding, err := handlerpkg.Bind[job](&recordingProcessor{}, handlerpkg.BindingOptions{Resource: "jobs"})
	require.NoError(t, err)
	engine, err := New(binding, client, Options{PollingInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, engine.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(client.log()) == 1 }, 2*time.Second, 5*time.Millisecond)

	started := time.Now()
	stop(t, engine)
	assert.Less(t, time.Since(started), time.Second)
	assert.False(t, engine.IsRunning())
	assert.Same(t, binding.Processor(), engine.Processor())
}

func TestStop_NotStarted(t *testing.T) {
	engine := newEngine(t, &recordingProcessor{}, &fakeQueue{}, nil, Options{})
	assert.NoError(t, engine.Stop(context.Background()))
}

func TestSleep(t *testing.T) {
	assert.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}
