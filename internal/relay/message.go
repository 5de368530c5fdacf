package relay

import (
	"strings"
	"time"
)

// Downlink message types sent to subscribers.
const (
	MessageTypeStatus             = "status"
	MessageTypeCaption            = "caption"
	MessageTypeCaptionTranslation = "caption_translation"
	MessageTypeReadyToStop        = "ready_to_stop"
)

// StatusMessage is the lifecycle record broadcast to subscribers.
type StatusMessage struct {
	Type   string `json:"type"`
	TS     string `json:"ts"`
	State  string `json:"state"`
	Detail string `json:"detail"`
}

// CaptionMessage is a caption or caption_translation record. Partial is always
// emitted, including false, so subscribers can rely on its presence.
type CaptionMessage struct {
	Type    string `json:"type"`
	TS      string `json:"ts"`
	Text    string `json:"text"`
	Partial bool   `json:"partial"`
}

// NewStatusMessage builds a status message stamped with the current UTC time.
func NewStatusMessage(state, detail string) StatusMessage {
	return StatusMessage{
		Type:   MessageTypeStatus,
		TS:     nowTimestamp(),
		State:  state,
		Detail: detail,
	}
}

// NewCaptionMessage builds a caption or caption_translation message.
func NewCaptionMessage(msgType, text string, partial bool, ts string) CaptionMessage {
	return CaptionMessage{
		Type:    msgType,
		TS:      ts,
		Text:    text,
		Partial: partial,
	}
}

// nowTimestamp returns the ISO-8601 UTC timestamp used in downlink messages.
func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// asrResult is the subset of the free-form ASR downlink payload the relay
// consults. Fields are extracted defensively; unknown fields are ignored.
type asrResult struct {
	Type        string
	Status      string
	Text        string
	Translation string
	BufferText  string
	BufferTr    string
}

// parseASRResult extracts the consulted fields from a decoded ASR payload.
// The payload shape is open; everything is optional.
func parseASRResult(payload map[string]any) asrResult {
	var r asrResult
	r.Type, _ = payload["type"].(string)
	r.Status, _ = payload["status"].(string)
	r.BufferText = strings.TrimSpace(stringField(payload, "buffer_transcription"))
	r.BufferTr = strings.TrimSpace(stringField(payload, "buffer_translation"))

	lines, _ := payload["lines"].([]any)
	// Scan last to first: the newest line wins.
	for i := len(lines) - 1; i >= 0; i-- {
		line, ok := lines[i].(map[string]any)
		if !ok {
			continue
		}
		if r.Text == "" {
			if text := strings.TrimSpace(stringField(line, "text")); text != "" {
				r.Text = text
			}
		}
		if r.Translation == "" {
			tr := strings.TrimSpace(stringField(line, "translation"))
			if tr == "" {
				tr = strings.TrimSpace(stringField(line, "text_translation"))
			}
			if tr != "" {
				r.Translation = tr
			}
		}
		if r.Text != "" && r.Translation != "" {
			break
		}
	}
	return r
}

// CaptionText joins the line text with the in-progress buffer transcription.
func (r asrResult) CaptionText() string {
	return joinParts(r.Text, r.BufferText)
}

// TranslationText joins the line translation with the in-progress buffer
// translation.
func (r asrResult) TranslationText() string {
	return joinParts(r.Translation, r.BufferTr)
}

// CaptionPartial reports whether the caption still contains text under
// revision.
func (r asrResult) CaptionPartial() bool {
	return r.BufferText != ""
}

// TranslationPartial reports whether the translation still contains text
// under revision.
func (r asrResult) TranslationPartial() bool {
	return r.BufferTr != ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func joinParts(parts ...string) string {
	joined := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			joined = append(joined, p)
		}
	}
	return strings.TrimSpace(strings.Join(joined, " "))
}

// captionKey is the de-duplication key for caption broadcasts.
type captionKey struct {
	text    string
	partial bool
}
