// Package queue wraps the durable queue backend: queue names and priority
// lanes, per-stage policies, the enqueue client, worker servers, stall
// accounting and queue inspection.
package queue

import "strings"

// Stage queues.
const (
	Transcription   = "transcription"
	FrameAnalysis   = "frame-analysis"
	SceneCreation   = "scene-creation"
	TextEmbedding   = "text-embedding"
	AudioEmbedding  = "audio-embedding"
	VisualEmbedding = "visual-embedding"
	Finalization    = "finalize-video"
)

// Maintenance queues.
const (
	FaceLabelling    = "face-labelling"
	FaceDeletion     = "face-deletion"
	FaceRename       = "face-rename"
	SmartCollections = "smart-collections"
)

// Lane is a priority lane within one logical queue.
type Lane string

const (
	LaneHigh   Lane = "high"
	LaneNormal Lane = ""
	LaneLow    Lane = "low"
)

// Lanes in descending priority order.
var Lanes = []Lane{LaneHigh, LaneNormal, LaneLow}

// ElevatedPriority is used for self-healing re-enqueues.
const ElevatedPriority = 1

// LaneFor maps a numeric priority (lower is more urgent, 0 is unset) onto a lane.
func LaneFor(priority int) Lane {
	switch {
	case priority <= 0:
		return LaneNormal
	case priority <= 3:
		return LaneHigh
	case priority >= 8:
		return LaneLow
	default:
		return LaneNormal
	}
}

// LaneQueue returns the backend queue name for a lane of base.
func LaneQueue(base string, lane Lane) string {
	if lane == LaneNormal {
		return base
	}
	return base + ":" + string(lane)
}

// LaneQueues returns every backend queue name that belongs to base.
func LaneQueues(base string) []string {
	out := make([]string, 0, len(Lanes))
	for _, l := range Lanes {
		out = append(out, LaneQueue(base, l))
	}
	return out
}

// BaseQueue strips a lane suffix.
func BaseQueue(name string) string {
	for _, l := range []Lane{LaneHigh, LaneLow} {
		if suffix := ":" + string(l); strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}
