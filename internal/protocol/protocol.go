package protocol

import (
	"errors"
	"fmt"

	"github.com/voicepipe/speech-segment-service/internal/segmenter"
)

// Mode selects how an ingested chunk is handled
type Mode string

const (
	// ModeSegment drives the per-session segmentation state machine
	ModeSegment Mode = "segment"
	// ModeDirect asserts the payload is already a complete bounded
	// utterance and hands it straight to transcription
	ModeDirect Mode = "direct"
)

// Legacy mode names still sent by older capture clients
const (
	legacyModeChunk = "chunk"
	legacyModeFile  = "file"
)

// ErrUnknownMode reports a mode value outside the protocol vocabulary
var ErrUnknownMode = errors.New("unknown ingestion mode")

// ParseMode maps the wire mode field to a Mode. An empty field defaults to
// segment mode; the legacy "chunk"/"file" names are accepted as aliases.
func ParseMode(s string) (Mode, error) {
	switch s {
	case string(ModeSegment), legacyModeChunk, "":
		return ModeSegment, nil
	case string(ModeDirect), legacyModeFile:
		return ModeDirect, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// StartResponse is the body returned when a new session is opened
type StartResponse struct {
	SessionID string `json:"sessionId"`
}

// ChunkResponse is the shared response shape for both ingestion modes.
// Text is non-null only on a successful Finished result.
type ChunkResponse struct {
	Status segmenter.Status `json:"status"`
	Text   *string          `json:"text"`
}

// ErrorResponse is the body for protocol errors. It deliberately carries
// no status field so a rejected chunk can never be mistaken for a
// segmentation result.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// ValidateChunkRequest checks the ingestion request fields that must be
// rejected before any session state is touched
func ValidateChunkRequest(sessionID string, payload []byte) error {
	if sessionID == "" {
		return errors.New("sessionId is required")
	}

	if len(payload) == 0 {
		return errors.New("chunk payload is empty")
	}

	return nil
}

// TextResponse builds a ChunkResponse carrying transcribed text
func TextResponse(status segmenter.Status, text string) ChunkResponse {
	return ChunkResponse{Status: status, Text: &text}
}

// StatusResponse builds a ChunkResponse with a null text field
func StatusResponse(status segmenter.Status) ChunkResponse {
	return ChunkResponse{Status: status}
}
