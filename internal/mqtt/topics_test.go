package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "allsky/camera/image", Topic("allsky/", "camera", "/image"))
	assert.Equal(t, "exposure", Topic("", "exposure"))
	assert.Equal(t, "a/b", Topic("a", "", "b"))
}

func TestMessageRoundTrip(t *testing.T) {
	type req struct {
		Exposure float64 `json:"exposure"`
	}
	m, err := NewMessage("test", req{Exposure: 2.5})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got req
	back, err := Decode(data, &got)
	require.NoError(t, err)
	assert.Equal(t, m.ID, back.ID)
	assert.Equal(t, 2.5, got.Exposure)
}
