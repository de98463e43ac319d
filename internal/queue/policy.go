package queue

import (
	"time"
)

// Policy is the execution contract for one queue.
type Policy struct {
	Queue       string
	Concurrency int
	// LockDuration is the expected worst case of one attempt. It is not a
	// deadline: a worker keeps its claim for as long as it is alive, and a
	// claim that stops being renewed counts as a stall.
	LockDuration time.Duration
	// MaxRuntime is the hard ceiling of one attempt.
	MaxRuntime time.Duration
	// StallInterval is the heartbeat period while a task runs and the delay
	// before a stalled task is redelivered.
	StallInterval time.Duration
	MaxStalled    int
	BackoffBase   time.Duration
	Attempts      int
}

const maxRetryDelay = 24 * time.Hour

// RetryDelay is exponential: base, 2*base, 4*base... for retried = 0, 1, 2...
func (p Policy) RetryDelay(retried int) time.Duration {
	if retried < 0 {
		retried = 0
	}
	d := p.BackoffBase
	for i := 0; i < retried; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// MaxRetry converts total attempts into backend retries.
func (p Policy) MaxRetry() int {
	if p.Attempts <= 1 {
		return 0
	}
	return p.Attempts - 1
}

var policies = map[string]Policy{
	Transcription: {
		Queue: Transcription, Concurrency: 1, LockDuration: 30 * time.Minute, MaxRuntime: 12 * time.Hour,
		StallInterval: 30 * time.Second, MaxStalled: 3, BackoffBase: 10 * time.Minute, Attempts: 10,
	},
	FrameAnalysis: {
		Queue: FrameAnalysis, Concurrency: 1, LockDuration: 5 * time.Minute, MaxRuntime: 6 * time.Hour,
		StallInterval: 30 * time.Second, MaxStalled: 3, BackoffBase: 10 * time.Minute, Attempts: 10,
	},
	SceneCreation: {
		Queue: SceneCreation, Concurrency: 3, LockDuration: 10 * time.Minute, MaxRuntime: 2 * time.Hour,
		StallInterval: 30 * time.Second, MaxStalled: 3, BackoffBase: 5 * time.Minute, Attempts: 10,
	},
	TextEmbedding: {
		Queue: TextEmbedding, Concurrency: 2, LockDuration: 6 * time.Hour, MaxRuntime: 48 * time.Hour,
		StallInterval: 5 * time.Minute, MaxStalled: 3, BackoffBase: 5 * time.Minute, Attempts: 10,
	},
	VisualEmbedding: {
		Queue: VisualEmbedding, Concurrency: 2, LockDuration: 6 * time.Hour, MaxRuntime: 48 * time.Hour,
		StallInterval: 5 * time.Minute, MaxStalled: 3, BackoffBase: 5 * time.Minute, Attempts: 10,
	},
	AudioEmbedding: {
		Queue: AudioEmbedding, Concurrency: 3, LockDuration: 6 * time.Hour, MaxRuntime: 48 * time.Hour,
		StallInterval: 5 * time.Minute, MaxStalled: 3, BackoffBase: 5 * time.Minute, Attempts: 10,
	},
	Finalization: {
		Queue: Finalization, Concurrency: 5, LockDuration: 5 * time.Minute, MaxRuntime: time.Hour,
		StallInterval: 30 * time.Second, MaxStalled: 3, BackoffBase: 3 * time.Second, Attempts: 5,
	},
	FaceLabelling: {
		Queue: FaceLabelling, Concurrency: 1, LockDuration: 30 * time.Minute, MaxRuntime: 6 * time.Hour,
		StallInterval: 30 * time.Second, MaxStalled: 3, BackoffBase: 30 * time.Second, Attempts: 3,
	},
	FaceDeletion: {
		Queue: FaceDeletion, Concurrency: 1, LockDuration: 30 * time.Minute, MaxRuntime: 6 * time.Hour,
		StallInterval: 30 * time.Second, MaxStalled: 3, BackoffBase: 30 * time.Second, Attempts: 3,
	},
	FaceRename: {
		Queue: FaceRename, Concurrency: 1, LockDuration: 30 * time.Minute, MaxRuntime: 6 * time.Hour,
		StallInterval: 30 * time.Second, MaxStalled: 3, BackoffBase: 30 * time.Second, Attempts: 3,
	},
	SmartCollections: {
		Queue: SmartCollections, Concurrency: 1, LockDuration: time.Hour, MaxRuntime: 6 * time.Hour,
		StallInterval: time.Minute, MaxStalled: 1, BackoffBase: time.Minute, Attempts: 1,
	},
}

// PolicyFor returns the policy of a queue (lane suffixes are ignored).
func PolicyFor(name string) (Policy, bool) {
	p, ok := policies[BaseQueue(name)]
	return p, ok
}

// StageQueues lists the pipeline queues in DAG order.
func StageQueues() []string {
	return []string{Transcription, FrameAnalysis, SceneCreation, TextEmbedding, AudioEmbedding, VisualEmbedding, Finalization}
}

// MaintenanceQueues lists the non-pipeline queues.
func MaintenanceQueues() []string {
	return []string{FaceLabelling, FaceDeletion, FaceRename, SmartCollections}
}
