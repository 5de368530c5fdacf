package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePayload(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func TestParseASRResult_LastLineWins(t *testing.T) {
	payload := decodePayload(t, `{
		"lines": [
			{"text": "first line"},
			{"text": "second line"},
			{"text": "third line"}
		]
	}`)
	r := parseASRResult(payload)
	assert.Equal(t, "third line", r.Text)
	assert.Equal(t, "third line", r.CaptionText())
	assert.False(t, r.CaptionPartial())
}

func TestParseASRResult_SkipsEmptyTrailingLines(t *testing.T) {
	payload := decodePayload(t, `{
		"lines": [
			{"text": "hello"},
			{"text": "  "},
			{"text": ""}
		]
	}`)
	r := parseASRResult(payload)
	assert.Equal(t, "hello", r.Text)
}

func TestParseASRResult_TranslationFallbackField(t *testing.T) {
	payload := decodePayload(t, `{
		"lines": [{"text": "hallo", "text_translation": "hello"}]
	}`)
	r := parseASRResult(payload)
	assert.Equal(t, "hello", r.Translation)

	payload = decodePayload(t, `{
		"lines": [{"text": "hallo", "translation": "hi", "text_translation": "hello"}]
	}`)
	r = parseASRResult(payload)
	assert.Equal(t, "hi", r.Translation, "translation field takes precedence")
}

func TestParseASRResult_BufferJoin(t *testing.T) {
	payload := decodePayload(t, `{
		"lines": [{"text": "hello"}],
		"buffer_transcription": " wor",
		"buffer_translation": "monde"
	}`)
	r := parseASRResult(payload)
	assert.Equal(t, "hello wor", r.CaptionText())
	assert.True(t, r.CaptionPartial())
	assert.Equal(t, "monde", r.TranslationText())
	assert.True(t, r.TranslationPartial())
}

func TestParseASRResult_BufferOnly(t *testing.T) {
	payload := decodePayload(t, `{"buffer_transcription": "typing"}`)
	r := parseASRResult(payload)
	assert.Equal(t, "typing", r.CaptionText())
	assert.True(t, r.CaptionPartial())
	assert.Empty(t, r.TranslationText())
}

func TestParseASRResult_DefensiveAgainstShapes(t *testing.T) {
	// lines not an array, entries not objects, missing everything.
	for _, raw := range []string{
		`{}`,
		`{"lines": "nope"}`,
		`{"lines": [42, "str", null]}`,
		`{"lines": [{"text": 5}], "buffer_transcription": 7}`,
	} {
		r := parseASRResult(decodePayload(t, raw))
		assert.Empty(t, r.CaptionText(), "payload %s", raw)
		assert.Empty(t, r.TranslationText(), "payload %s", raw)
	}
}

func TestParseASRResult_StatusAndType(t *testing.T) {
	r := parseASRResult(decodePayload(t, `{"type": "ready_to_stop", "status": "processing"}`))
	assert.Equal(t, "ready_to_stop", r.Type)
	assert.Equal(t, "processing", r.Status)
}

func TestNewStatusMessage(t *testing.T) {
	msg := NewStatusMessage("waiting", "ASR disconnected")
	assert.Equal(t, MessageTypeStatus, msg.Type)
	assert.Equal(t, "waiting", msg.State)
	assert.Equal(t, "ASR disconnected", msg.Detail)

	ts, err := time.Parse(time.RFC3339Nano, msg.TS)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestCaptionMessage_JSONShape(t *testing.T) {
	msg := NewCaptionMessage(MessageTypeCaption, "hello world", true, "2026-01-01T00:00:00Z")
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "caption", decoded["type"])
	assert.Equal(t, "hello world", decoded["text"])
	assert.Equal(t, true, decoded["partial"])
	assert.NotContains(t, decoded, "state", "status fields must be omitted from captions")
}

func TestCaptionMessage_FinalCaptionKeepsPartialField(t *testing.T) {
	// partial=false must still appear on the wire.
	msg := NewCaptionMessage(MessageTypeCaptionTranslation, "hello", false, "2026-01-01T00:00:00Z")
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "partial")
	assert.Equal(t, false, decoded["partial"])
}

func TestStatusMessage_JSONShape(t *testing.T) {
	data, err := json.Marshal(NewStatusMessage("running", "ASR connected"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "status", decoded["type"])
	assert.Equal(t, "running", decoded["state"])
	assert.Equal(t, "ASR connected", decoded["detail"])
	assert.NotContains(t, decoded, "partial", "caption fields must be omitted from status")
	assert.NotContains(t, decoded, "text")
}
