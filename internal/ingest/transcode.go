// Package ingest normalizes external audio into the pipeline's PCM format.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// Transcoder converts compressed reply audio (mp3/wav bytes as fetched from
// the agent provider) into PCM s16le 16kHz mono using ffmpeg.
type Transcoder struct {
	ffmpegPath string
	logger     *zap.Logger
}

// NewTranscoder creates a Transcoder using the given ffmpeg binary.
func NewTranscoder(ffmpegPath string, logger *zap.Logger) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Transcoder{ffmpegPath: ffmpegPath, logger: logger}
}

// ToPCM decodes the input in full and returns the normalized PCM stream.
func (t *Transcoder) ToPCM(ctx context.Context, in []byte) ([]byte, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-f", "s16le",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	cmd.Stdin = bytes.NewReader(in)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg transcode: %w (%s)", err, stderr.String())
	}

	pcm := stdout.Bytes()
	if len(pcm) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no audio")
	}

	t.logger.Info("reply audio transcoded",
		zap.Int("inBytes", len(in)),
		zap.Int("pcmBytes", len(pcm)))
	return pcm, nil
}

// Available reports whether the configured ffmpeg binary can be executed.
func (t *Transcoder) Available() bool {
	return exec.Command(t.ffmpegPath, "-version").Run() == nil
}
