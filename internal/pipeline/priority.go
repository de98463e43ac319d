package pipeline

import (
	"context"
	"log/slog"
	"time"
)

const (
	PriorityShort = 1
	PriorityLong  = 10

	DefaultShortMediaThreshold = 10 * time.Minute
)

// AssignPriority returns manual when set, otherwise derives the priority from
// the estimated duration. An unknown duration (zero) counts as long media.
func AssignPriority(manual int, duration time.Duration) int {
	return assignPriority(manual, duration, DefaultShortMediaThreshold)
}

func assignPriority(manual int, duration, threshold time.Duration) int {
	if manual != 0 {
		return manual
	}
	if duration > 0 && duration < threshold {
		return PriorityShort
	}
	return PriorityLong
}

// DurationEstimator estimates how long a media file plays.
type DurationEstimator interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// EstimatorFunc adapts a function such as ffmpeg.ProbeDuration.
type EstimatorFunc func(ctx context.Context, path string) (time.Duration, error)

func (f EstimatorFunc) Duration(ctx context.Context, path string) (time.Duration, error) {
	return f(ctx, path)
}

// Prioritizer assigns admission priorities on submission.
type Prioritizer struct {
	Estimator DurationEstimator
	Threshold time.Duration
}

func (p Prioritizer) Priority(ctx context.Context, videoPath string, manual int) int {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultShortMediaThreshold
	}
	if manual != 0 || p.Estimator == nil {
		return assignPriority(manual, 0, threshold)
	}
	d, err := p.Estimator.Duration(ctx, videoPath)
	if err != nil {
		slog.Warn("duration estimate failed, treating as long media", "video_path", videoPath, "error", err)
		d = 0
	}
	return assignPriority(0, d, threshold)
}
