package ai

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
)

// SegmentSeparator joins per-recording transcripts.
const SegmentSeparator = "\n\n"

// BlobReader fetches an uploaded recording.
type BlobReader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Transcriber transcribes every recording of a session.
type Transcriber struct {
	speech Speech
	blobs  BlobReader
	logger logging.Logger
}

// NewTranscriber creates a session transcriber.
func NewTranscriber(speech Speech, blobs BlobReader, logger logging.Logger) *Transcriber {
	return &Transcriber{
		speech: speech,
		blobs:  blobs,
		logger: logger.With(logging.F("component", "transcriber")),
	}
}

// TranscribeSession transcribes recordings in the given (upload) order and
// joins the non-empty segments. Any download or provider failure fails the
// whole transcript.
func (t *Transcriber) TranscribeSession(ctx context.Context, recordings []minutes.Recording) (string, error) {
	segments := make([]string, 0, len(recordings))
	for i, rec := range recordings {
		audio, err := t.blobs.Download(ctx, rec.StoragePath)
		if err != nil {
			return "", fmt.Errorf("download recording %s: %w", rec.StoragePath, err)
		}

		text, err := t.speech.Transcribe(ctx, audio, path.Base(rec.StoragePath))
		if err != nil {
			return "", fmt.Errorf("transcribe recording %d/%d: %w", i+1, len(recordings), err)
		}

		text = strings.TrimSpace(text)
		t.logger.Debug("segment transcribed",
			logging.F("recording_id", rec.ID),
			logging.F("chars", len(text)))
		if text != "" {
			segments = append(segments, text)
		}
	}
	return strings.Join(segments, SegmentSeparator), nil
}
