package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		m, err := ParseManifest([]byte(`{
			"id": "hello_world",
			"name": "Hello World",
			"version": "1.0.0",
			"actions": [{"name": "say_hello"}]
		}`))
		require.NoError(t, err)
		require.Len(t, m.Actions, 1)
		assert.Equal(t, "main.py", m.Actions[0].Script)
		assert.Equal(t, TypePython, m.Actions[0].Type)
		assert.Equal(t, TriggerManual, m.Actions[0].Trigger)
	})

	t.Run("preserves explicit fields", func(t *testing.T) {
		m, err := ParseManifest([]byte(`{
			"id": "sysinfo",
			"name": "System Info",
			"version": "0.2.0",
			"actions": [{
				"name": "system_info",
				"script": "info.py",
				"trigger": "pre_request",
				"cache_ttl": 30,
				"parameters": {"verbose": "include extended details"}
			}]
		}`))
		require.NoError(t, err)
		a := m.Actions[0]
		assert.Equal(t, "info.py", a.Script)
		assert.Equal(t, TriggerPreRequest, a.Trigger)
		assert.Equal(t, 30, a.CacheTTL)
		assert.Equal(t, "include extended details", a.Parameters["verbose"])
	})

	t.Run("rejects missing required fields", func(t *testing.T) {
		_, err := ParseManifest([]byte(`{"name": "No ID", "version": "1.0.0", "actions": []}`))
		assert.Error(t, err)
	})

	t.Run("rejects unknown action type", func(t *testing.T) {
		_, err := ParseManifest([]byte(`{
			"id": "bad", "name": "Bad", "version": "1.0.0",
			"actions": [{"name": "x", "type": "javascript"}]
		}`))
		assert.Error(t, err)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := ParseManifest([]byte(`{"id": `))
		assert.Error(t, err)
	})
}
