// Package scenes holds the scene document model shared by the pipeline, the
// vector store and the consistency engine.
package scenes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// KnownConfidence is the confidence given to a face a person has labelled.
const KnownConfidence = 1.0

// UnknownPrefix marks placeholder labels produced by face detection.
const UnknownPrefix = "unknown_"

type FaceData struct {
	Name       string    `json:"name"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
}

type Emotion struct {
	Name       string  `json:"name"`
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

type Scene struct {
	ID            string     `json:"id"`
	Source        string     `json:"source"`
	StartTime     float64    `json:"startTime"`
	EndTime       float64    `json:"endTime"`
	Faces         []string   `json:"faces"`
	FacesData     []FaceData `json:"facesData"`
	Emotions      []Emotion  `json:"emotions"`
	Objects       []string   `json:"objects"`
	Transcription string     `json:"transcription,omitempty"`
	Description   string     `json:"description,omitempty"`
	ShotType      string     `json:"shotType,omitempty"`
}

var sceneNamespace = uuid.MustParse("5b0f6a56-4a8e-4c55-9a5b-4d8b7f3c2e10")

// SceneID is deterministic per (source, start) so re-runs overwrite rather
// than duplicate documents.
func SceneID(source string, start float64) string {
	return uuid.NewSHA1(sceneNamespace, []byte(fmt.Sprintf("%s#%.3f", source, start))).String()
}

func (s Scene) Duration() float64 {
	if s.EndTime <= s.StartTime {
		return 0
	}
	return s.EndTime - s.StartTime
}

// HasFace reports whether label appears in any label-bearing field.
func (s Scene) HasFace(label string) bool {
	for _, f := range s.Faces {
		if f == label {
			return true
		}
	}
	for _, f := range s.FacesData {
		if f.Name == label {
			return true
		}
	}
	for _, e := range s.Emotions {
		if e.Name == label {
			return true
		}
	}
	return false
}

// RenameFace replaces label old with name in faces, facesData and emotions.
// Renamed facesData entries get KnownConfidence. Returns whether anything
// changed; renaming an already renamed scene is a no-op.
func (s *Scene) RenameFace(old, name string) bool {
	if old == "" || name == "" || old == name {
		return false
	}
	changed := false
	for i, f := range s.Faces {
		if f == old {
			s.Faces[i] = name
			changed = true
		}
	}
	for i := range s.FacesData {
		if s.FacesData[i].Name == old {
			s.FacesData[i].Name = name
			s.FacesData[i].Confidence = KnownConfidence
			changed = true
		}
	}
	for i := range s.Emotions {
		if s.Emotions[i].Name == old {
			s.Emotions[i].Name = name
			changed = true
		}
	}
	if changed {
		s.Faces = dedupe(s.Faces)
	}
	return changed
}

// RemoveFace drops label from faces and its parallel annotations.
func (s *Scene) RemoveFace(label string) bool {
	changed := false

	faces := s.Faces[:0]
	for _, f := range s.Faces {
		if f == label {
			changed = true
			continue
		}
		faces = append(faces, f)
	}
	s.Faces = faces

	data := s.FacesData[:0]
	for _, f := range s.FacesData {
		if f.Name == label {
			changed = true
			continue
		}
		data = append(data, f)
	}
	s.FacesData = data

	emotions := s.Emotions[:0]
	for _, e := range s.Emotions {
		if e.Name == label {
			changed = true
			continue
		}
		emotions = append(emotions, e)
	}
	s.Emotions = emotions

	return changed
}

// Document renders the text representation that is embedded into the text
// collection. It must be regenerated whenever a label-bearing field changes.
func (s Scene) Document() string {
	var b strings.Builder
	if s.Description != "" {
		b.WriteString(s.Description)
		b.WriteString(". ")
	}
	if len(s.Faces) > 0 {
		b.WriteString("People: ")
		b.WriteString(strings.Join(s.Faces, ", "))
		b.WriteString(". ")
	}
	if len(s.Emotions) > 0 {
		parts := make([]string, 0, len(s.Emotions))
		for _, e := range s.Emotions {
			parts = append(parts, e.Name+" is "+e.Emotion)
		}
		b.WriteString("Emotions: ")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(". ")
	}
	if len(s.Objects) > 0 {
		b.WriteString("Objects: ")
		b.WriteString(strings.Join(s.Objects, ", "))
		b.WriteString(". ")
	}
	if s.ShotType != "" {
		b.WriteString("Shot: ")
		b.WriteString(s.ShotType)
		b.WriteString(". ")
	}
	if s.Transcription != "" {
		b.WriteString("Transcript: ")
		b.WriteString(s.Transcription)
	}
	return strings.TrimSpace(b.String())
}

// Labels aggregates faces, objects and emotion names across scenes, sorted
// and de-duplicated.
func Labels(list []Scene) (faces, objects, emotions []string) {
	for _, s := range list {
		faces = append(faces, s.Faces...)
		objects = append(objects, s.Objects...)
		for _, e := range s.Emotions {
			emotions = append(emotions, e.Emotion)
		}
	}
	return sorted(faces), sorted(objects), sorted(emotions)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func sorted(in []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
