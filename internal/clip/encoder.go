package clip

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/subcast/internal/subtitle"
)

const stderrTailLines = 10

// Encoder renders time ranges of the source media into short clips by
// shelling out to ffmpeg. Every encode is a blocking external process;
// callers run it off the connection's own goroutine.
type Encoder struct {
	path   string
	image  ImageConfig
	audio  AudioConfig
	logger *zap.Logger
}

// NewEncoder resolves the ffmpeg path and returns an Encoder using the
// given image and audio settings.
func NewEncoder(ffmpegPath string, image ImageConfig, audio AudioConfig, logger *zap.Logger) *Encoder {
	resolved := resolvePath(ffmpegPath)
	if resolved != ffmpegPath {
		logger.Debug("resolved ffmpeg path",
			zap.String("configured", ffmpegPath),
			zap.String("resolved", resolved),
		)
	}
	return &Encoder{path: resolved, image: image, audio: audio, logger: logger}
}

// resolvePath normalizes the configured ffmpeg path. A bare "ffmpeg" on
// macOS is probed against the usual install locations because launchd
// environments often lack the Homebrew PATH.
func resolvePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "ffmpeg"
	}
	if runtime.GOOS == "darwin" && trimmed == "ffmpeg" {
		for _, candidate := range []string{
			"/opt/homebrew/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
			"/usr/bin/ffmpeg",
		} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return trimmed
}

// job is one prepared ffmpeg invocation.
type job struct {
	args   []string
	output string
}

func tempPath(prefix, ext string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s.%s", prefix, uuid.New(), ext))
}

// thumbnailJob builds the invocation for a still or animated thumbnail.
// Stills grab one frame at the subtitle's midpoint; animated thumbnails
// start at sub_start and run for the subtitle's duration.
func (e *Encoder) thumbnailJob(sub subtitle.Subtitle) job {
	output := tempPath("thumb", e.image.Extension())

	seek := (sub.SubStart + sub.SubEnd) / 2
	if e.image.Animated {
		seek = sub.SubStart
	}

	args := []string{"-ss", formatSeconds(seek), "-i", sub.MediaPath}
	args = e.image.appendArgs(args, sub.SubEnd-sub.SubStart)
	args = append(args, "-y", output)
	return job{args: args, output: output}
}

// audioJob builds the invocation for an audio clip covering
// [subStart, subEnd] from mediaPath's audio track aid, padded by the
// given offsets (config default when nil). The start is clamped at zero.
func (e *Encoder) audioJob(subStart, subEnd float64, mediaPath string, aid int64, offsetStart, offsetEnd *float64) job {
	output := tempPath("audio", e.audio.Extension())

	startPad := e.audio.padding()
	if offsetStart != nil {
		startPad = *offsetStart
	}
	endPad := e.audio.padding()
	if offsetEnd != nil {
		endPad = *offsetEnd
	}

	start := subStart - startPad
	if start < 0 {
		start = 0
	}
	duration := subEnd - subStart + startPad + endPad

	track := aid - 1
	if track < 0 {
		track = 0
	}

	args := []string{
		"-ss", formatSeconds(start),
		"-i", mediaPath,
		"-t", formatSeconds(duration),
		"-map", fmt.Sprintf("0:a:%d", track),
		"-vn",
	}
	args = e.audio.appendArgs(args)
	args = append(args, "-y", output)
	return job{args: args, output: output}
}

// Thumbnail encodes a thumbnail for sub and returns it base64-encoded.
func (e *Encoder) Thumbnail(ctx context.Context, sub subtitle.Subtitle) (string, error) {
	return e.run(ctx, e.thumbnailJob(sub))
}

// Audio encodes an audio clip for a single subtitle.
func (e *Encoder) Audio(ctx context.Context, sub subtitle.Subtitle, offsetStart, offsetEnd *float64) (string, error) {
	return e.run(ctx, e.audioJob(sub.SubStart, sub.SubEnd, sub.MediaPath, sub.AID, offsetStart, offsetEnd))
}

// AudioRange encodes one clip spanning from start's begin time to end's
// end time, using start's media path and audio track.
func (e *Encoder) AudioRange(ctx context.Context, start, end subtitle.Subtitle, offsetStart, offsetEnd *float64) (string, error) {
	return e.run(ctx, e.audioJob(start.SubStart, end.SubEnd, start.MediaPath, start.AID, offsetStart, offsetEnd))
}

// run executes the prepared invocation and returns the produced file
// base64-encoded. The temp file is removed in every outcome; a failed
// encode always yields an error, never a truncated payload.
func (e *Encoder) run(ctx context.Context, j job) (string, error) {
	e.logger.Debug("running ffmpeg", zap.String("args", strings.Join(j.args, " ")))
	defer os.Remove(j.output)

	cmd := exec.CommandContext(ctx, e.path, j.args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg failed: %w: %s", err, stderrTail(stderr.String()))
	}

	data, err := os.ReadFile(j.output)
	if err != nil {
		return "", fmt.Errorf("reading ffmpeg output: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("ffmpeg produced an empty output file: %s", j.output)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// stderrTail keeps the last few stderr lines; ffmpeg front-loads banner
// noise and puts the actual error at the end.
func stderrTail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return strings.Join(lines, " | ")
}
