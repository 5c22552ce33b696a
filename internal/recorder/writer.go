package recorder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/image/draw"
)

// codecs is the fallback order tried when opening the video writer, mirroring
// the cv2.VideoWriter fourcc fallback list in spec §4.11 ("Save").
var codecs = []string{"mpeg4", "libxvid", "mjpeg", "libx264"}

// commandRunner executes an encoder process fed by stdin and reports the
// first error encountered. fps carries effectiveRecordingFPS() through to
// the container framerate (60 normally, 1 in low-FPS mode per spec §4.11).
// Production code uses runFFmpeg; tests inject a fake to avoid depending on
// a real ffmpeg binary, mirroring the teacher's ffmpeg-presence skip in
// cmd/transcoder.
type commandRunner func(ctx context.Context, codec string, outputPath string, stdin io.Reader, fps int) error

func runFFmpeg(ctx context.Context, codec string, outputPath string, stdin io.Reader, fps int) error {
	if fps <= 0 {
		fps = DefaultRecordingFPS
	}
	args := []string{
		"-y",
		"-f", "image2pipe",
		"-framerate", fmt.Sprint(fps),
		"-vcodec", "mjpeg",
		"-i", "-",
		"-c:v", codec,
		"-r", fmt.Sprint(fps),
		"-pix_fmt", "yuv420p",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg (%s): %w: %s", codec, err, stderr.String())
	}
	return nil
}

// writeSegment resizes every frame to 640x480, encodes it as a JPEG, and
// streams the sequence into the encoder, trying each codec in codecs order
// until one succeeds. It returns the codec that worked.
func writeSegment(ctx context.Context, run commandRunner, s *segment, outputPath string, fps int) (string, error) {
	if fps <= 0 {
		fps = DefaultRecordingFPS
	}
	var lastErr error
	for _, codec := range codecs {
		payload, err := encodeFrameSequence(s)
		if err != nil {
			return "", err
		}
		if err := run(ctx, codec, outputPath, bytes.NewReader(payload), fps); err != nil {
			lastErr = err
			continue
		}
		return codec, nil
	}
	return "", fmt.Errorf("recorder: all codecs failed, last error: %w", lastErr)
}

func encodeFrameSequence(s *segment) ([]byte, error) {
	var buf bytes.Buffer
	resizer := draw.ApproxBiLinear
	dst := image.NewNRGBA(image.Rect(0, 0, outputWidth, outputHeight))
	for _, env := range s.frames {
		if env.Image == nil {
			continue
		}
		resizer.Scale(dst, dst.Bounds(), env.Image, env.Image.Bounds(), draw.Over, nil)
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("recorder: encode frame: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// mergeRunner concatenates inputPaths, in order, into a single outputPath.
// Production code uses runFFmpegConcat; tests inject a fake to avoid
// depending on a real ffmpeg binary, the same seam commandRunner provides
// for segment encoding.
type mergeRunner func(ctx context.Context, inputPaths []string, outputPath string) error

// runFFmpegConcat joins inputPaths with ffmpeg's concat demuxer and a
// stream copy (no re-encode), the Go-native equivalent of the reference
// server's _merge_video_files decode-and-rewrite pass: every qualifying
// partial segment's footage ends up in the merged output instead of only
// the newest file surviving.
func runFFmpegConcat(ctx context.Context, inputPaths []string, outputPath string) error {
	if len(inputPaths) == 0 {
		return fmt.Errorf("recorder: no inputs to merge")
	}

	listFile, err := os.CreateTemp("", "camwatch-concat-*.txt")
	if err != nil {
		return fmt.Errorf("recorder: create concat list: %w", err)
	}
	defer os.Remove(listFile.Name())

	var buf bytes.Buffer
	for _, p := range inputPaths {
		fmt.Fprintf(&buf, "file '%s'\n", filepath.ToSlash(p))
	}
	if _, err := listFile.Write(buf.Bytes()); err != nil {
		listFile.Close()
		return fmt.Errorf("recorder: write concat list: %w", err)
	}
	if err := listFile.Close(); err != nil {
		return fmt.Errorf("recorder: close concat list: %w", err)
	}

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile.Name(),
		"-c", "copy",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, stderr.String())
	}
	return nil
}

// fileSize returns the size of the file at path, or 0 if it cannot be
// stat'd (e.g. the encoder never produced output).
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
