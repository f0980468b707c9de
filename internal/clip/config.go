package clip

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPadding is the audio padding applied on both ends when a
// request carries no explicit offsets.
const DefaultPadding = 0.25

// ImageConfig controls thumbnail encoding.
type ImageConfig struct {
	Format       string `mapstructure:"format"`   // jpeg, avif, webp (+ *_animated)
	Quality      int    `mapstructure:"quality"`  // codec-specific scale
	Animated     bool   `mapstructure:"animated"` // clip instead of a single frame
	Size         string `mapstructure:"size"`     // ffmpeg scale expression, e.g. "480:-1"
	AdvancedArgs string `mapstructure:"advanced_args"`
}

// DefaultImageConfig mirrors the stock thumbnail settings.
func DefaultImageConfig() ImageConfig {
	return ImageConfig{Format: "jpeg", Quality: 5}
}

// Extension returns the output file extension for the configured format.
func (c ImageConfig) Extension() string {
	switch ext := strings.TrimPrefix(c.Format, "."); ext {
	case "":
		return "jpg"
	case "jpeg", "jpg":
		return "jpg"
	case "avif", "avif_animated":
		return "avif"
	case "webp", "webp_animated":
		return "webp"
	default:
		return ext
	}
}

// appendArgs appends the encode arguments for a thumbnail spanning
// duration seconds. AdvancedArgs replaces everything but the frame/clip
// selection.
func (c ImageConfig) appendArgs(args []string, duration float64) []string {
	if c.Animated {
		args = append(args, "-t", formatSeconds(duration))
	} else {
		args = append(args, "-vframes", "1")
	}

	if c.AdvancedArgs != "" {
		return append(args, strings.Fields(c.AdvancedArgs)...)
	}

	if strings.TrimSpace(c.Size) != "" {
		args = append(args, "-vf", "scale="+c.Size)
	}

	switch c.Format {
	case "jpeg", "jpg":
		args = append(args, "-c:v", "mjpeg", "-q:v", strconv.Itoa(clamp(c.Quality, 1, 31)))
	case "avif":
		args = append(args,
			"-c:v", "libaom-av1",
			"-crf", strconv.Itoa(clamp(c.Quality, 0, 63)),
			"-cpu-used", "8",
			"-pix_fmt", "yuv420p",
		)
		if !c.Animated {
			args = append(args, "-still-picture", "1")
		}
	default:
		args = append(args, "-c:v", "libwebp", "-quality", strconv.Itoa(clamp(c.Quality, 0, 100)))
		if c.Animated {
			args = append(args, "-loop", "0")
		}
	}
	return args
}

// AudioConfig controls audio clip encoding.
type AudioConfig struct {
	Format       string  `mapstructure:"format"`  // mp3 or opus
	Quality      int     `mapstructure:"quality"` // bitrate in kbit/s
	Filters      string  `mapstructure:"filters"` // extra ffmpeg -af entries
	AdvancedArgs string  `mapstructure:"advanced_args"`
	Padding      float64 `mapstructure:"padding"` // default start/end padding in seconds
}

// DefaultAudioConfig mirrors the stock audio settings.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{Format: "mp3", Quality: 128, Padding: DefaultPadding}
}

// Extension returns the output file extension for the configured format.
func (c AudioConfig) Extension() string {
	if ext := strings.TrimPrefix(c.Format, "."); ext != "" {
		return ext
	}
	return "mp3"
}

func (c AudioConfig) appendArgs(args []string) []string {
	if c.AdvancedArgs != "" {
		return append(args, strings.Fields(c.AdvancedArgs)...)
	}

	if c.Format == "mp3" {
		args = append(args, "-c:a", "libmp3lame", "-b:a", fmt.Sprintf("%dk", clamp(c.Quality, 8, 320)))
	} else {
		args = append(args, "-c:a", "libopus", "-b:a", fmt.Sprintf("%dk", clamp(c.Quality, 8, 512)))
	}

	// Short fade-in avoids a click at the cut point.
	filters := []string{"afade=t=in:d=0.005"}
	if f := strings.TrimSpace(c.Filters); f != "" {
		filters = append(filters, f)
	}
	return append(args, "-af", strings.Join(filters, ","))
}

func (c AudioConfig) padding() float64 {
	if c.Padding > 0 {
		return c.Padding
	}
	return DefaultPadding
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
