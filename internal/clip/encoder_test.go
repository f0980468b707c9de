package clip

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/dgnsrekt/subcast/internal/subtitle"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func testSubtitle() subtitle.Subtitle {
	return subtitle.Subtitle{
		ID:        1,
		Text:      "Hello world",
		SubStart:  12.0,
		SubEnd:    14.5,
		MediaPath: "/movies/a.mkv",
		AID:       2,
	}
}

func argValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		t.Fatalf("flag %s not found in %v", flag, args)
	}
	return args[i+1]
}

func TestThumbnailJobStill(t *testing.T) {
	enc := NewEncoder("ffmpeg", DefaultImageConfig(), DefaultAudioConfig(), testLogger())
	j := enc.thumbnailJob(testSubtitle())

	// Still frames are grabbed at the subtitle midpoint.
	if got := argValue(t, j.args, "-ss"); got != "13.250" {
		t.Errorf("expected seek 13.250, got %s", got)
	}
	if got := argValue(t, j.args, "-i"); got != "/movies/a.mkv" {
		t.Errorf("expected input /movies/a.mkv, got %s", got)
	}
	if !slices.Contains(j.args, "-vframes") {
		t.Error("still thumbnail must grab a single frame")
	}
	if got := argValue(t, j.args, "-c:v"); got != "mjpeg" {
		t.Errorf("expected mjpeg codec, got %s", got)
	}
	if !strings.HasSuffix(j.output, ".jpg") {
		t.Errorf("expected .jpg output, got %s", j.output)
	}
	if j.args[len(j.args)-1] != j.output {
		t.Error("output path must be the final argument")
	}
}

func TestThumbnailJobAnimatedWebp(t *testing.T) {
	img := ImageConfig{Format: "webp", Quality: 80, Animated: true, Size: "480:-1"}
	enc := NewEncoder("ffmpeg", img, DefaultAudioConfig(), testLogger())
	j := enc.thumbnailJob(testSubtitle())

	// Animated clips start at sub_start and span the subtitle.
	if got := argValue(t, j.args, "-ss"); got != "12.000" {
		t.Errorf("expected seek 12.000, got %s", got)
	}
	if got := argValue(t, j.args, "-t"); got != "2.500" {
		t.Errorf("expected duration 2.500, got %s", got)
	}
	if got := argValue(t, j.args, "-vf"); got != "scale=480:-1" {
		t.Errorf("expected scale filter, got %s", got)
	}
	if got := argValue(t, j.args, "-c:v"); got != "libwebp" {
		t.Errorf("expected libwebp codec, got %s", got)
	}
	if !slices.Contains(j.args, "-loop") {
		t.Error("animated webp should loop")
	}
}

func TestThumbnailJobAdvancedArgsOverride(t *testing.T) {
	img := ImageConfig{Format: "jpeg", Quality: 5, AdvancedArgs: "-c:v png -compression_level 9"}
	enc := NewEncoder("ffmpeg", img, DefaultAudioConfig(), testLogger())
	j := enc.thumbnailJob(testSubtitle())

	if got := argValue(t, j.args, "-c:v"); got != "png" {
		t.Errorf("advanced args should replace codec selection, got %s", got)
	}
	if slices.Contains(j.args, "mjpeg") {
		t.Error("default codec args must not leak past advanced_args")
	}
}

func TestAudioJobDefaultPadding(t *testing.T) {
	enc := NewEncoder("ffmpeg", DefaultImageConfig(), DefaultAudioConfig(), testLogger())
	j := enc.audioJob(12.0, 14.5, "/movies/a.mkv", 2, nil, nil)

	// 0.25s default padding on both ends.
	if got := argValue(t, j.args, "-ss"); got != "11.750" {
		t.Errorf("expected start 11.750, got %s", got)
	}
	if got := argValue(t, j.args, "-t"); got != "3.000" {
		t.Errorf("expected duration 3.000, got %s", got)
	}
	// aid is 1-based; ffmpeg stream mapping is 0-based.
	if got := argValue(t, j.args, "-map"); got != "0:a:1" {
		t.Errorf("expected map 0:a:1, got %s", got)
	}
	if !slices.Contains(j.args, "-vn") {
		t.Error("audio clips must drop video")
	}
	if got := argValue(t, j.args, "-af"); !strings.HasPrefix(got, "afade=t=in:d=0.005") {
		t.Errorf("expected fade-in filter, got %s", got)
	}
}

func TestAudioJobExplicitOffsetsAndClamp(t *testing.T) {
	enc := NewEncoder("ffmpeg", DefaultImageConfig(), DefaultAudioConfig(), testLogger())

	start, end := 1.0, 0.5
	j := enc.audioJob(0.5, 2.0, "/movies/a.mkv", 1, &start, &end)

	// 0.5 - 1.0 clamps at zero.
	if got := argValue(t, j.args, "-ss"); got != "0.000" {
		t.Errorf("expected start clamped to 0.000, got %s", got)
	}
	if got := argValue(t, j.args, "-t"); got != "3.000" {
		t.Errorf("expected duration 3.000, got %s", got)
	}
	if got := argValue(t, j.args, "-map"); got != "0:a:0" {
		t.Errorf("expected map 0:a:0, got %s", got)
	}
}

func TestAudioJobOpus(t *testing.T) {
	aud := AudioConfig{Format: "opus", Quality: 96, Filters: "loudnorm"}
	enc := NewEncoder("ffmpeg", DefaultImageConfig(), aud, testLogger())
	j := enc.audioJob(1.0, 2.0, "/m.mkv", 1, nil, nil)

	if got := argValue(t, j.args, "-c:a"); got != "libopus" {
		t.Errorf("expected libopus, got %s", got)
	}
	if got := argValue(t, j.args, "-b:a"); got != "96k" {
		t.Errorf("expected 96k bitrate, got %s", got)
	}
	if got := argValue(t, j.args, "-af"); got != "afade=t=in:d=0.005,loudnorm" {
		t.Errorf("expected chained filters, got %s", got)
	}
	if !strings.HasSuffix(j.output, ".opus") {
		t.Errorf("expected .opus output, got %s", j.output)
	}
}

// fakeFfmpeg writes a shell script that emits content into the output
// path (the final argument), standing in for a real ffmpeg binary.
func fakeFfmpeg(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunEncodesOutput(t *testing.T) {
	script := `for a in "$@"; do out="$a"; done
printf 'clipdata' > "$out"`
	enc := NewEncoder(fakeFfmpeg(t, script), DefaultImageConfig(), DefaultAudioConfig(), testLogger())

	data, err := enc.Thumbnail(context.Background(), testSubtitle())
	if err != nil {
		t.Fatalf("Thumbnail failed: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatalf("payload is not valid base64: %v", err)
	}
	if string(decoded) != "clipdata" {
		t.Errorf("expected 'clipdata', got %q", decoded)
	}
}

func TestRunCleansUpTempFile(t *testing.T) {
	script := `for a in "$@"; do out="$a"; done
printf 'clipdata' > "$out"`
	enc := NewEncoder(fakeFfmpeg(t, script), DefaultImageConfig(), DefaultAudioConfig(), testLogger())

	j := enc.thumbnailJob(testSubtitle())
	if _, err := enc.run(context.Background(), j); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := os.Stat(j.output); !os.IsNotExist(err) {
		t.Errorf("temp file was not removed: %s", j.output)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	enc := NewEncoder(fakeFfmpeg(t, `echo "Invalid argument" >&2; exit 1`), DefaultImageConfig(), DefaultAudioConfig(), testLogger())

	_, err := enc.Thumbnail(context.Background(), testSubtitle())
	if err == nil {
		t.Fatal("expected error on non-zero exit")
	}
	if !strings.Contains(err.Error(), "Invalid argument") {
		t.Errorf("error should carry the stderr tail, got: %v", err)
	}
}

func TestRunEmptyOutputIsFailure(t *testing.T) {
	script := `for a in "$@"; do out="$a"; done
: > "$out"`
	enc := NewEncoder(fakeFfmpeg(t, script), DefaultImageConfig(), DefaultAudioConfig(), testLogger())

	_, err := enc.Thumbnail(context.Background(), testSubtitle())
	if err == nil {
		t.Fatal("expected error for empty output file")
	}
}

func TestRunMissingBinary(t *testing.T) {
	enc := NewEncoder(filepath.Join(t.TempDir(), "missing-ffmpeg"), DefaultImageConfig(), DefaultAudioConfig(), testLogger())

	if _, err := enc.Thumbnail(context.Background(), testSubtitle()); err == nil {
		t.Fatal("expected error when the encoder binary is missing")
	}
}

func TestResolvePathEmpty(t *testing.T) {
	if got := resolvePath("  "); got != "ffmpeg" {
		t.Errorf("expected bare 'ffmpeg', got %q", got)
	}
	if got := resolvePath("/usr/bin/ffmpeg"); got != "/usr/bin/ffmpeg" {
		t.Errorf("explicit paths must pass through, got %q", got)
	}
}
