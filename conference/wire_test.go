package conference

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWelcomeFrameDecoding(t *testing.T) {
	raw := `{
		"action": "welcome",
		"participants": [
			{"id": "alice", "features": ["e2ee"], "properties": {"e2ee.idKey": "abc"}},
			{"id": "carol"}
		]
	}`

	var frame Frame
	err := json.Unmarshal([]byte(raw), &frame)
	assert.NoError(t, err)
	assert.Equal(t, ActionWelcome, frame.Action)
	assert.Len(t, frame.Participants, 2)
	assert.Equal(t, "alice", frame.Participants[0].ID)
	assert.True(t, frame.Participants[0].HasFeature("e2ee"))
	assert.Equal(t, "abc", frame.Participants[0].Properties["e2ee.idKey"])
	assert.False(t, frame.Participants[1].HasFeature("e2ee"))
}

func TestMessageFrameOmitsEmptyFields(t *testing.T) {
	frame := Frame{Action: ActionMessage, To: "bob", Payload: json.RawMessage(`{"type":"session-init"}`)}

	raw, err := json.Marshal(&frame)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"action":"message","to":"bob","payload":{"type":"session-init"}}`, string(raw))
}
