package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	Log("session", ActionRefreshReplay, "acc-1", "", "record rt-1", false, errors.New("replayed"))

	var line struct {
		Event Event `json:"audit_event"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session", line.Event.Service)
	assert.Equal(t, ActionRefreshReplay, line.Event.Action)
	assert.Equal(t, "acc-1", line.Event.Account)
	assert.False(t, line.Event.Success)
	assert.Equal(t, "replayed", line.Event.Error)
}
