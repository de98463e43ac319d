package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestLaneFor(t *testing.T) {
	cases := []struct {
		priority int
		want     Lane
	}{
		{0, LaneNormal},
		{1, LaneHigh},
		{3, LaneHigh},
		{5, LaneNormal},
		{8, LaneLow},
		{10, LaneLow},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, LaneFor(tc.priority), "priority %d", tc.priority)
	}
}

func TestLaneQueueRoundTrip(t *testing.T) {
	require.Equal(t, "transcription:high", LaneQueue(Transcription, LaneHigh))
	require.Equal(t, "transcription", LaneQueue(Transcription, LaneNormal))
	require.Equal(t, []string{"text-embedding:high", "text-embedding", "text-embedding:low"}, LaneQueues(TextEmbedding))
	for _, q := range LaneQueues(FrameAnalysis) {
		require.Equal(t, FrameAnalysis, BaseQueue(q))
	}
}

func TestPolicyTable(t *testing.T) {
	tr, ok := PolicyFor(Transcription)
	require.True(t, ok)
	require.Equal(t, 1, tr.Concurrency)
	require.Equal(t, 30*time.Minute, tr.LockDuration)
	require.Equal(t, 3, tr.MaxStalled)
	require.Equal(t, 10*time.Minute, tr.BackoffBase)
	require.Equal(t, 9, tr.MaxRetry())

	fin, ok := PolicyFor("finalize-video:high")
	require.True(t, ok)
	require.Equal(t, 5, fin.Concurrency)
	require.Equal(t, 3*time.Second, fin.BackoffBase)
	require.Equal(t, 4, fin.MaxRetry())

	for _, q := range []string{TextEmbedding, VisualEmbedding, AudioEmbedding} {
		p, ok := PolicyFor(q)
		require.True(t, ok)
		require.Equal(t, 6*time.Hour, p.LockDuration)
		require.GreaterOrEqual(t, p.Concurrency, 1)
		require.LessOrEqual(t, p.Concurrency, 3)
	}

	_, ok = PolicyFor("nope")
	require.False(t, ok)
}

func TestPolicyTable_RuntimeCeilingAboveExpectedRun(t *testing.T) {
	for _, q := range append(StageQueues(), MaintenanceQueues()...) {
		p, ok := PolicyFor(q)
		require.True(t, ok, q)
		require.Greater(t, p.MaxRuntime, p.LockDuration, q)
		require.Greater(t, p.StallInterval, time.Duration(0), q)
		require.Greater(t, p.stallTTL(), p.MaxRuntime, q)
	}
}

func TestPolicy_RetryDelayIsExponentialAndCapped(t *testing.T) {
	p := Policy{BackoffBase: 5 * time.Minute}
	require.Equal(t, 5*time.Minute, p.RetryDelay(0))
	require.Equal(t, 10*time.Minute, p.RetryDelay(1))
	require.Equal(t, 40*time.Minute, p.RetryDelay(3))
	require.Equal(t, 24*time.Hour, p.RetryDelay(40))
	require.Equal(t, 0, Policy{Attempts: 1}.MaxRetry())
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestBuildTask_AppliesPolicyAndLane(t *testing.T) {
	task, opts, err := BuildTask(Transcription, map[string]string{"jobId": "j1"}, EnqueueOptions{Priority: 1, TaskID: "transcription:j1"})
	require.NoError(t, err)
	require.Equal(t, Transcription, task.Type())

	var body map[string]string
	require.NoError(t, json.Unmarshal(task.Payload(), &body))
	require.Equal(t, "j1", body["jobId"])

	q, ok := optionValue(opts, asynq.QueueOpt)
	require.True(t, ok)
	require.Equal(t, "transcription:high", q)

	retry, ok := optionValue(opts, asynq.MaxRetryOpt)
	require.True(t, ok)
	require.Equal(t, 9, retry)

	timeout, ok := optionValue(opts, asynq.TimeoutOpt)
	require.True(t, ok)
	require.Equal(t, 12*time.Hour, timeout)

	id, ok := optionValue(opts, asynq.TaskIDOpt)
	require.True(t, ok)
	require.Equal(t, "transcription:j1", id)

	_, _, err = BuildTask("unknown", nil, EnqueueOptions{})
	require.Error(t, err)
}

type memStalls struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   []time.Duration
	resets int
}

func (m *memStalls) Incr(_ context.Context, queue, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int64{}
	}
	m.counts[queue+key]++
	m.ttls = append(m.ttls, ttl)
	return m.counts[queue+key], nil
}

func (m *memStalls) Count(_ context.Context, queue, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[queue+key], nil
}

func (m *memStalls) Reset(_ context.Context, queue, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, queue+key)
	m.resets++
	return nil
}

func TestStallKey_StableAcrossRedeliveries(t *testing.T) {
	a := asynq.NewTask(FrameAnalysis, []byte(`{"jobId":"j1"}`))
	b := asynq.NewTask(FrameAnalysis, []byte(`{"jobId":"j1"}`))
	require.Equal(t, StallKey(a), StallKey(b))
	require.NotEqual(t, StallKey(a), StallKey(asynq.NewTask(FrameAnalysis, []byte(`{"jobId":"j2"}`))))
	require.NotEqual(t, StallKey(a), StallKey(asynq.NewTask(SceneCreation, []byte(`{"jobId":"j1"}`))))
}

func TestRetryDelay_LostLeaseCountsAsStall(t *testing.T) {
	counter := &memStalls{}
	policy, _ := PolicyFor(FrameAnalysis)
	delay := retryDelay(policy, counter)
	task := asynq.NewTask(FrameAnalysis, []byte(`{"jobId":"j1"}`))

	require.Equal(t, policy.StallInterval, delay(0, asynq.ErrLeaseExpired, task))
	require.Equal(t, policy.StallInterval, delay(0, fmt.Errorf("recovered: %w", asynq.ErrLeaseExpired), task))
	n, err := counter.Count(context.Background(), FrameAnalysis, StallKey(task))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Greater(t, counter.ttls[0], policy.MaxRuntime)

	// ordinary failures back off and are not stalls
	require.Equal(t, policy.RetryDelay(2), delay(2, errors.New("ml crashed"), task))
	n, _ = counter.Count(context.Background(), FrameAnalysis, StallKey(task))
	require.Equal(t, int64(2), n)

	require.Equal(t, policy.StallInterval, retryDelay(policy, nil)(0, asynq.ErrLeaseExpired, task))
}

func TestIsFailure_LostLeaseAndShutdownKeepAttempts(t *testing.T) {
	require.False(t, isFailure(asynq.ErrLeaseExpired))
	require.False(t, isFailure(context.Canceled))
	require.True(t, isFailure(context.DeadlineExceeded))
	require.True(t, isFailure(errors.New("boom")))
}

func TestStallGuard_ArchivesPastMaxStalled(t *testing.T) {
	counter := &memStalls{}
	policy := Policy{Queue: FrameAnalysis, MaxRuntime: time.Hour, MaxStalled: 2, BackoffBase: time.Second, Attempts: 3}
	task := asynq.NewTask(FrameAnalysis, []byte(`{"jobId":"j1"}`))

	runs := 0
	h := StallGuard(policy, counter)(asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		runs++
		return errors.New("still failing")
	}))

	for i := 0; i < 2; i++ {
		_, err := RecordStall(context.Background(), counter, policy, task)
		require.NoError(t, err)
		err = h.ProcessTask(context.Background(), task)
		require.False(t, errors.Is(err, ErrStalled))
		require.False(t, errors.Is(err, asynq.SkipRetry))
	}
	require.Equal(t, 2, runs)

	_, err := RecordStall(context.Background(), counter, policy, task)
	require.NoError(t, err)
	err = h.ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, ErrStalled)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, 2, runs)
}

func TestStallGuard_LongRunIsNotAStall(t *testing.T) {
	counter := &memStalls{}
	policy := Policy{Queue: Transcription, LockDuration: time.Millisecond, MaxRuntime: time.Minute, MaxStalled: 1}

	h := StallGuard(policy, counter)(asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		time.Sleep(20 * time.Millisecond)
		return ctx.Err()
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.ProcessTask(context.Background(), asynq.NewTask(Transcription, nil)))
	}
	require.Empty(t, counter.counts)
}

func TestStallGuard_ResetsOnSuccessAndPassesOrdinaryErrors(t *testing.T) {
	counter := &memStalls{}
	policy := Policy{Queue: SceneCreation, MaxRuntime: time.Hour, MaxStalled: 3}
	task := asynq.NewTask(SceneCreation, []byte(`{"jobId":"j2"}`))

	boom := errors.New("boom")
	h := StallGuard(policy, counter)(asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error { return boom }))
	require.Same(t, boom, h.ProcessTask(context.Background(), task))
	require.Empty(t, counter.counts)

	_, err := RecordStall(context.Background(), counter, policy, task)
	require.NoError(t, err)
	ok := StallGuard(policy, counter)(asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error { return nil }))
	require.NoError(t, ok.ProcessTask(context.Background(), task))
	require.Equal(t, 1, counter.resets)
	require.Empty(t, counter.counts)

	// nothing to clear on a clean first run
	require.NoError(t, ok.ProcessTask(context.Background(), task))
	require.Equal(t, 1, counter.resets)
}
