package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

// Transcoder converts audio to a compact format before upload and transcription.
type Transcoder interface {
	// Transcode returns the converted payload and its MIME type.
	Transcode(ctx context.Context, audio []byte, mimeType string) ([]byte, string, error)
	Name() string
}

// NopTranscoder passes audio through unchanged.
type NopTranscoder struct{}

// Transcode returns the input as is.
func (NopTranscoder) Transcode(_ context.Context, audio []byte, mimeType string) ([]byte, string, error) {
	return audio, mimeType, nil
}

// Name returns the transcoder name.
func (NopTranscoder) Name() string { return "none" }

// FFmpegTranscoder re-encodes audio as mono 16 kHz Opus in an Ogg container.
type FFmpegTranscoder struct {
	path    string
	timeout time.Duration
}

// NewTranscoder returns an ffmpeg transcoder when enabled and the binary is
// found, and a NopTranscoder otherwise.
func NewTranscoder(enabled bool, ffmpegPath string, log *logger.Logger) Transcoder {
	if !enabled {
		return NopTranscoder{}
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	path, err := exec.LookPath(ffmpegPath)
	if err != nil {
		log.Warn("ffmpeg not available, audio will not be transcoded", zap.String("path", ffmpegPath), zap.Error(err))
		return NopTranscoder{}
	}
	return &FFmpegTranscoder{path: path, timeout: 30 * time.Second}
}

// Name returns the transcoder name.
func (t *FFmpegTranscoder) Name() string { return "ffmpeg" }

// Transcode pipes the audio through ffmpeg.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, audio []byte, mimeType string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn", "-ac", "1", "-ar", "16000",
		"-c:a", "libopus", "-b:a", "24k",
		"-f", "ogg", "pipe:1",
	)
	var out, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(audio)
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, "", fmt.Errorf("ffmpeg %s: %w: %s", mimeType, err, bytes.TrimSpace(stderr.Bytes()))
	}
	if out.Len() == 0 {
		return nil, "", fmt.Errorf("ffmpeg %s: empty output", mimeType)
	}
	return out.Bytes(), "audio/ogg", nil
}
