// ABOUTME: Transcoder interface and its ffmpeg/ffprobe subprocess implementation.
// ABOUTME: The executor only sees Transcode(profile, in, out) -> duration.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// Transcoder converts a local input file into a local output file according
// to a profile. It returns the artifact's duration in whole seconds, or 0
// when the profile does not probe or the duration is unknown.
type Transcoder interface {
	Transcode(ctx context.Context, p Profile, input, output string) (int, error)
}

// FFmpeg runs ffmpeg and ffprobe as subprocesses.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

// maxStderr caps how much subprocess output is carried in an error.
const maxStderr = 2048

// Transcode runs ffmpeg, then ffprobe when the profile asks for a duration.
// A failed probe is not an error; the duration is reported as 0.
func (f FFmpeg) Transcode(ctx context.Context, p Profile, input, output string) (int, error) {
	args := append([]string{"-hide_banner", "-nostdin", "-y", "-i", input}, p.Args...)
	args = append(args, output)

	cmd := exec.CommandContext(ctx, orDefault(f.FFmpegPath, "ffmpeg"), args...) //nolint:gosec // args are fixed per profile
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("ffmpeg: %w", ctxErr)
		}
		return 0, fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), maxStderr))
	}

	if !p.Probe {
		return 0, nil
	}
	d, err := f.probe(ctx, output)
	if err != nil {
		return 0, nil //nolint:nilerr // duration is optional metadata
	}
	return d, nil
}

func (f FFmpeg) probe(ctx context.Context, file string) (int, error) {
	cmd := exec.CommandContext(ctx, orDefault(f.FFprobePath, "ffprobe"), //nolint:gosec // fixed args
		"-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", file)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseDuration(string(out))
}

func parseDuration(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0, errors.New("empty duration")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return int(math.Round(v)), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// tail keeps the last n bytes of s; ffmpeg prints the cause at the end.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
