package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	MessageID  string   `json:"message_id"`
	Timestamp  int64    `json:"timestamp"`
	Count      int      `json:"count"`
	MessageIDs []string `json:"messageIds"`
}

func TestMapDecodesJSONNumbers(t *testing.T) {
	// json.Unmarshal into map[string]any yields float64 for all numbers
	in := map[string]any{
		"message_id": "m1",
		"timestamp":  float64(1700000000000),
		"count":      float64(3),
	}

	out, err := Map[samplePayload](in)
	require.NoError(t, err)
	assert.Equal(t, "m1", out.MessageID)
	assert.Equal(t, int64(1700000000000), out.Timestamp)
	assert.Equal(t, 3, out.Count)
}

func TestMapDecodesAnySliceToStrings(t *testing.T) {
	in := map[string]any{
		"messageIds": []any{"a", "b"},
	}

	out, err := Map[samplePayload](in)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.MessageIDs)
}

func TestMapIgnoresUnknownFields(t *testing.T) {
	in := map[string]any{
		"message_id": "m1",
		"extra":      "whatever",
	}

	out, err := Map[samplePayload](in)
	require.NoError(t, err)
	assert.Equal(t, "m1", out.MessageID)
}

func TestMapNilInput(t *testing.T) {
	_, err := Map[samplePayload](nil)
	assert.Error(t, err)
}
