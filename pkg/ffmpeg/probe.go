// Package ffmpeg wraps the ffprobe binary. Only metadata is read; the indexer
// never transcodes media itself.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// ErrNoDuration is returned when the container reports no usable duration.
var ErrNoDuration = errors.New("ffprobe: no duration")

// ProbeResult contains the media metadata the indexer cares about.
type ProbeResult struct {
	Duration     float64 // seconds
	Size         int64   // bytes
	FormatName   string
	VideoStreams int
	AudioStreams int
}

// HasAudio reports whether the file carries at least one audio stream.
func (r ProbeResult) HasAudio() bool { return r.AudioStreams > 0 }

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// Binary is the ffprobe executable; overridable for tests and odd installs.
var Binary = "ffprobe"

// Probe runs ffprobe on a file and returns metadata.
func Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, Binary,
		"-hide_banner",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe: %w: %s", err, stderr.String())
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(raw []byte) (*ProbeResult, error) {
	var output ffprobeOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, fmt.Errorf("ffprobe: failed to parse output: %w", err)
	}

	result := &ProbeResult{FormatName: output.Format.FormatName}
	if output.Format.Duration != "" {
		result.Duration, _ = strconv.ParseFloat(output.Format.Duration, 64)
	}
	if output.Format.Size != "" {
		result.Size, _ = strconv.ParseInt(output.Format.Size, 10, 64)
	}

	fromFormat := result.Duration > 0
	for _, stream := range output.Streams {
		switch stream.CodecType {
		case "video":
			result.VideoStreams++
		case "audio":
			result.AudioStreams++
		}
		// Some containers only report duration per stream; take the longest.
		if !fromFormat && stream.Duration != "" {
			if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil && d > result.Duration {
				result.Duration = d
			}
		}
	}

	return result, nil
}

// ProbeDuration returns the media duration.
func ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	result, err := Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	if result.Duration <= 0 {
		return 0, ErrNoDuration
	}
	return time.Duration(result.Duration * float64(time.Second)), nil
}
