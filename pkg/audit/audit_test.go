package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesPrefixedJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	err := l.Record("acme", "alice", EventApproval, "approve", "approval/apr_1",
		map[string]any{"risk_level": "high"})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &event))

	assert.Equal(t, "acme", event.StartupID)
	assert.Equal(t, "alice", event.ActorID)
	assert.Equal(t, EventApproval, event.Type)
	assert.Equal(t, "approve", event.Action)
	assert.NotEmpty(t, event.ID)
	assert.Len(t, event.PayloadHash, 64)
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	require.NoError(t, l.Record("", "", EventSystem, "startup", "process", nil))

	var event Event
	require.NoError(t, json.Unmarshal(bytes.TrimPrefix(bytes.TrimSpace(buf.Bytes()), []byte("AUDIT: ")), &event))
	assert.Equal(t, "system", event.StartupID)
	assert.Equal(t, "system", event.ActorID)
	assert.Empty(t, event.PayloadHash, "no metadata means no payload hash")
}
