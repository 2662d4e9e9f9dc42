package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voebot/internal/eventbus"
	"voebot/internal/queue"
	"voebot/internal/schedule"
	"voebot/internal/storage"
	"voebot/internal/voe"
)

const gridTwoOutages = `<div class="table_wrapper"><div class="disconnection-detailed-table-container">
<div class="head">00:00 - 01:00</div><div class="head">01:00 - 02:00</div><div class="head">02:00 - 03:00</div>
<div class="legend">Середа 04.11</div>
<div class="cell has_disconnection"><div class="disconnection_confirm_1"></div></div>
<div class="cell has_disconnection"><div class="disconnection_confirm_1"></div></div>
<div class="cell has_disconnection"><div class="disconnection_confirm_0"></div></div>
</div></div>`

const gridOneOutage = `<div class="table_wrapper"><div class="disconnection-detailed-table-container">
<div class="head">00:00 - 01:00</div><div class="head">01:00 - 02:00</div><div class="head">02:00 - 03:00</div>
<div class="legend">Середа 04.11</div>
<div class="cell has_disconnection"><div class="disconnection_confirm_1"></div></div>
<div class="cell has_disconnection"><div class="disconnection_confirm_1"></div></div>
<div class="cell"></div>
</div></div>`

var testNow = time.Date(2026, 11, 4, 9, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fails int // first n calls fail
	body  string
}

func (f *fakeFetcher) Fetch(ctx context.Context, key schedule.Key) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return "", &voe.FetchError{Op: "status", Status: 503, Err: errors.New("Service Unavailable")}
	}
	return f.body, nil
}

func (f *fakeFetcher) setBody(b string) {
	f.mu.Lock()
	f.body = b
	f.mu.Unlock()
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingEnqueuer struct {
	mu      sync.Mutex
	tasks   []queue.NotificationTask
	failFor map[int64]bool
	seq     atomic.Int64
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, t queue.NotificationTask) (string, error) {
	if r.failFor[t.UserID] {
		return "", fmt.Errorf("queue unavailable for %d", t.UserID)
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return fmt.Sprintf("m%d", r.seq.Add(1)), nil
}

func (r *recordingEnqueuer) sent() []queue.NotificationTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.NotificationTask(nil), r.tasks...)
}

func testKey(t *testing.T) schedule.Key {
	t.Helper()
	k, err := schedule.NewKey("510100000", "1662", "42")
	require.NoError(t, err)
	return k
}

func newTestProcessor(f Fetcher, st storage.Store, notes NotificationEnqueuer, bus eventbus.Bus) *Processor {
	return New(f, st, notes, Options{
		FetchAttempts: 3,
		FetchBackoff:  time.Millisecond,
		Now:           func() time.Time { return testNow },
		Bus:           bus,
	})
}

func TestProcessChangedThenUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := testKey(t)
	st := storage.NewMemory()
	notes := &recordingEnqueuer{}
	f := &fakeFetcher{body: gridTwoOutages}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	p := newTestProcessor(f, st, notes, bus)

	task := queue.UpdateTask{SubscriptionArgs: key.String(), UserIDs: []int64{1, 2}}
	out, err := p.Process(ctx, task)
	require.NoError(t, err)
	require.Equal(t, OutcomeChanged, out)

	rec, err := st.GetSchedule(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Version)
	require.False(t, rec.NotifyPending)
	require.Len(t, rec.Intervals, 2)
	require.Equal(t, schedule.Confirmed, rec.Intervals[0].Certainty)
	require.Equal(t, 2*time.Hour, rec.Intervals[0].Duration())
	require.Equal(t, key.String(), rec.Alias)
	require.Len(t, notes.sent(), 2)

	// Same source state converges.
	out, err = p.Process(ctx, task)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, out)
	require.Len(t, notes.sent(), 2, "no notifications for an unchanged schedule")

	f.setBody(gridOneOutage)
	out, err = p.Process(ctx, task)
	require.NoError(t, err)
	require.Equal(t, OutcomeChanged, out)
	rec, err = st.GetSchedule(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Version)
	require.Len(t, rec.Intervals, 1)
	require.Len(t, notes.sent(), 4)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.Equal(t, []string{EventChanged, EventUnchanged, EventChanged}, types)
}

func TestProcessRetriesFetchThenSucceeds(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{fails: 2, body: gridTwoOutages}
	p := newTestProcessor(f, storage.NewMemory(), &recordingEnqueuer{}, nil)

	out, err := p.Process(context.Background(), queue.UpdateTask{SubscriptionArgs: testKey(t).String(), UserIDs: []int64{7}})
	require.NoError(t, err)
	require.Equal(t, OutcomeChanged, out)
	require.Equal(t, 3, f.count())
}

func TestProcessFetchExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := testKey(t)
	st := storage.NewMemory()
	f := &fakeFetcher{fails: 100}
	p := newTestProcessor(f, st, &recordingEnqueuer{}, nil)

	_, err := p.Process(ctx, queue.UpdateTask{SubscriptionArgs: key.String(), UserIDs: []int64{7}})
	var fe *voe.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 503, fe.Status)
	require.Equal(t, 3, f.count())

	_, err = st.GetSchedule(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessFetchHonorsContext(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{fails: 100}
	p := New(f, storage.NewMemory(), &recordingEnqueuer{}, Options{FetchAttempts: 5, FetchBackoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Process(ctx, queue.UpdateTask{SubscriptionArgs: testKey(t).String()})
	require.Error(t, err)
	require.Equal(t, 1, f.count())
}

func TestProcessParseErrorIsNotRetriedLocally(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{body: `<div class="unrelated"></div>`}
	p := newTestProcessor(f, storage.NewMemory(), &recordingEnqueuer{}, nil)

	_, err := p.Process(context.Background(), queue.UpdateTask{SubscriptionArgs: testKey(t).String()})
	var pe *voe.ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 1, f.count())
}

func TestProcessInvalidArgs(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(&fakeFetcher{}, storage.NewMemory(), &recordingEnqueuer{}, nil)
	_, err := p.Process(context.Background(), queue.UpdateTask{SubscriptionArgs: "cityId=1"})
	require.ErrorIs(t, err, schedule.ErrInvalidKey)
}

// conflictStore simulates a concurrent writer winning the race.
type conflictStore struct{ *storage.Memory }

func (conflictStore) PutSchedule(context.Context, schedule.Record, int64) error {
	return storage.ErrVersionConflict
}

func TestProcessVersionConflict(t *testing.T) {
	t.Parallel()
	notes := &recordingEnqueuer{}
	p := newTestProcessor(&fakeFetcher{body: gridTwoOutages}, conflictStore{storage.NewMemory()}, notes, nil)

	_, err := p.Process(context.Background(), queue.UpdateTask{SubscriptionArgs: testKey(t).String(), UserIDs: []int64{1}})
	var pe *PersistError
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, storage.ErrVersionConflict)
	require.Empty(t, notes.sent())
}

func TestProcessPartialEnqueueFailure(t *testing.T) {
	t.Parallel()
	notes := &recordingEnqueuer{failFor: map[int64]bool{2: true}}
	p := newTestProcessor(&fakeFetcher{body: gridTwoOutages}, storage.NewMemory(), notes, nil)

	out, err := p.Process(context.Background(), queue.UpdateTask{SubscriptionArgs: testKey(t).String(), UserIDs: []int64{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, OutcomeChanged, out)
	require.Len(t, notes.sent(), 2)
}

func TestProcessTotalEnqueueFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := testKey(t)
	st := storage.NewMemory()
	notes := &recordingEnqueuer{failFor: map[int64]bool{1: true, 2: true}}
	p := newTestProcessor(&fakeFetcher{body: gridTwoOutages}, st, notes, nil)
	task := queue.UpdateTask{SubscriptionArgs: key.String(), UserIDs: []int64{1, 2}}

	_, err := p.Process(ctx, task)
	var ee *EnqueueError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, 2, ee.Failed)
	require.Equal(t, 2, ee.Total)

	rec, err := st.GetSchedule(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Version)
	require.True(t, rec.NotifyPending)

	// The redelivered task sees an unchanged schedule but still notifies.
	notes.failFor = nil
	task.Attempt = 1
	out, err := p.Process(ctx, task)
	require.NoError(t, err)
	require.Equal(t, OutcomeChanged, out)
	sent := notes.sent()
	require.Len(t, sent, 2)
	require.Len(t, sent[0].Data, 2)

	rec, err = st.GetSchedule(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Version, "clearing the flag keeps the version")
	require.False(t, rec.NotifyPending)

	out, err = p.Process(ctx, task)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, out)
	require.Len(t, notes.sent(), 2)
}

func TestProcessDemoNeverFetches(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	notes := &recordingEnqueuer{}
	p := newTestProcessor(f, storage.NewMemory(), notes, nil)

	out, err := p.Process(context.Background(), queue.UpdateTask{SubscriptionArgs: schedule.DemoArgs, UserIDs: []int64{9}})
	require.NoError(t, err)
	require.Equal(t, OutcomeChanged, out)
	require.Zero(t, f.count())
	sent := notes.sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Data, 3)
	require.Equal(t, schedule.DemoArgs, sent[0].SubscriptionArgs)
}

func TestHandlerDecodesDelivery(t *testing.T) {
	t.Parallel()
	notes := &recordingEnqueuer{}
	p := newTestProcessor(&fakeFetcher{body: gridTwoOutages}, storage.NewMemory(), notes, nil)

	h := p.Handler()
	body := fmt.Sprintf(`{"subscriptionArgs":%q,"userIds":[4]}`, testKey(t).String())
	require.NoError(t, h(context.Background(), queue.Delivery{ID: "a", Body: []byte(body)}))
	require.Len(t, notes.sent(), 1)
	require.Error(t, h(context.Background(), queue.Delivery{ID: "b", Body: []byte("{")}))
}
