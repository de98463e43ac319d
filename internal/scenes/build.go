package scenes

import (
	"sort"
	"strings"
)

// FrameAnalysis is the frame-analysis artifact written by the ML service.
type FrameAnalysis struct {
	Duration float64         `json:"duration"`
	Frames   []AnalyzedFrame `json:"frames"`
}

type AnalyzedFrame struct {
	StartTime   float64    `json:"startTime"`
	EndTime     float64    `json:"endTime"`
	Objects     []string   `json:"objects"`
	Faces       []FaceData `json:"faces"`
	Emotions    []Emotion  `json:"emotions"`
	Description string     `json:"description"`
	ShotType    string     `json:"shotType"`
}

// Transcription is the transcription artifact written by the ML service.
type Transcription struct {
	Language string    `json:"language"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// MaxSceneLength bounds how long merged frame windows may grow.
const MaxSceneLength = 30.0

// Build segments analysed frames into scenes. Consecutive windows with the
// same people and shot type merge until MaxSceneLength; transcript segments
// are attached to every scene they overlap.
func Build(source string, fa FrameAnalysis, tr *Transcription) []Scene {
	frames := make([]AnalyzedFrame, 0, len(fa.Frames))
	for _, f := range fa.Frames {
		if f.EndTime <= f.StartTime {
			continue
		}
		frames = append(frames, f)
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].StartTime < frames[j].StartTime })

	var out []Scene
	var cur *Scene
	var curKey string
	flush := func() {
		if cur == nil {
			return
		}
		cur.ID = SceneID(source, cur.StartTime)
		cur.Faces = sorted(cur.Faces)
		cur.Objects = sorted(cur.Objects)
		if tr != nil {
			cur.Transcription = transcriptBetween(tr.Segments, cur.StartTime, cur.EndTime)
		}
		out = append(out, *cur)
		cur = nil
	}

	for _, f := range frames {
		key := frameKey(f)
		if cur != nil && key == curKey && f.EndTime-cur.StartTime <= MaxSceneLength {
			cur.EndTime = f.EndTime
			mergeFrame(cur, f)
			continue
		}
		flush()
		cur = &Scene{
			Source:      source,
			StartTime:   f.StartTime,
			EndTime:     f.EndTime,
			Description: f.Description,
			ShotType:    f.ShotType,
			Faces:       []string{},
			FacesData:   []FaceData{},
			Emotions:    []Emotion{},
			Objects:     []string{},
		}
		curKey = key
		mergeFrame(cur, f)
	}
	flush()
	return out
}

func frameKey(f AnalyzedFrame) string {
	names := make([]string, 0, len(f.Faces))
	for _, fd := range f.Faces {
		names = append(names, fd.Name)
	}
	sort.Strings(names)
	return f.ShotType + "|" + strings.Join(names, ",")
}

func mergeFrame(s *Scene, f AnalyzedFrame) {
	s.Objects = append(s.Objects, f.Objects...)
	for _, fd := range f.Faces {
		if fd.Name == "" {
			continue
		}
		s.Faces = append(s.Faces, fd.Name)
		s.FacesData = upsertFace(s.FacesData, fd)
	}
	for _, e := range f.Emotions {
		s.Emotions = upsertEmotion(s.Emotions, e)
	}
	if s.Description == "" {
		s.Description = f.Description
	}
}

// upsertFace keeps the most confident observation per label.
func upsertFace(list []FaceData, fd FaceData) []FaceData {
	for i := range list {
		if list[i].Name == fd.Name {
			if fd.Confidence > list[i].Confidence {
				list[i] = fd
			}
			return list
		}
	}
	return append(list, fd)
}

func upsertEmotion(list []Emotion, e Emotion) []Emotion {
	for i := range list {
		if list[i].Name == e.Name {
			if e.Confidence > list[i].Confidence {
				list[i] = e
			}
			return list
		}
	}
	return append(list, e)
}

func transcriptBetween(segs []Segment, start, end float64) string {
	var parts []string
	for _, s := range segs {
		if s.End <= start || s.Start >= end {
			continue
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
