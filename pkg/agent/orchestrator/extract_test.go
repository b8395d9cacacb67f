package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	t.Run("fenced code block", func(t *testing.T) {
		obj := ExtractJSON("Here you go:\n```json\n{\"answer\": 42}\n```\nDone.")
		require.NotNil(t, obj)
		assert.Equal(t, float64(42), obj["answer"])
	})

	t.Run("embedded object", func(t *testing.T) {
		obj := ExtractJSON(`Sure! {"actions": [{"name": "say_hello"}]} hope that helps`)
		require.NotNil(t, obj)
		assert.Contains(t, obj, "actions")
	})

	t.Run("bare object", func(t *testing.T) {
		obj := ExtractJSON(`{"message": "hi"}`)
		require.NotNil(t, obj)
		assert.Equal(t, "hi", obj["message"])
	})

	t.Run("doubled braces are repaired", func(t *testing.T) {
		obj := ExtractJSON(`{ {"key": "value"} }`)
		require.NotNil(t, obj)
		assert.Equal(t, "value", obj["key"])
	})

	t.Run("brace walk finds the valid object after a broken one", func(t *testing.T) {
		obj := ExtractJSON(`{"broken": } text {"good": true}`)
		require.NotNil(t, obj)
		assert.Equal(t, true, obj["good"])
	})

	t.Run("plain prose yields nil", func(t *testing.T) {
		assert.Nil(t, ExtractJSON("The weather is nice today."))
	})

	t.Run("unbalanced braces yield nil", func(t *testing.T) {
		assert.Nil(t, ExtractJSON(`{"never": "closed"`))
	})
}

func TestParseActions(t *testing.T) {
	t.Run("mapping parameters", func(t *testing.T) {
		reqs := ParseActions(`{"actions": [{"name": "search_files", "parameters": {"query": "*.log", "path": "/tmp"}}]}`)
		require.Len(t, reqs, 1)
		assert.Equal(t, "search_files", reqs[0].Name)
		assert.Equal(t, "*.log", reqs[0].Args["query"])
		assert.Equal(t, "/tmp", reqs[0].Args["path"])
	})

	t.Run("list parameters fold into a mapping", func(t *testing.T) {
		reqs := ParseActions(`{"actions": [{"name": "say_hello", "parameters": [
			{"name": "greeting", "value": "hi"},
			{"name": "loud"}
		]}]}`)
		require.Len(t, reqs, 1)
		assert.Equal(t, "hi", reqs[0].Args["greeting"])
		assert.Equal(t, "", reqs[0].Args["loud"], "missing value defaults to empty")
	})

	t.Run("multiple actions keep order", func(t *testing.T) {
		reqs := ParseActions(`{"actions": [{"name": "first"}, {"name": "second"}]}`)
		require.Len(t, reqs, 2)
		assert.Equal(t, "first", reqs[0].Name)
		assert.Equal(t, "second", reqs[1].Name)
	})

	t.Run("entries without a name are dropped", func(t *testing.T) {
		reqs := ParseActions(`{"actions": [{"parameters": {"x": 1}}, {"name": "kept"}]}`)
		require.Len(t, reqs, 1)
		assert.Equal(t, "kept", reqs[0].Name)
	})

	t.Run("legacy bracket form", func(t *testing.T) {
		reqs := ParseActions(`I'll check. [ACTION: system_info, {"verbose": true}]`)
		require.Len(t, reqs, 1)
		assert.Equal(t, "system_info", reqs[0].Name)
		assert.Equal(t, true, reqs[0].Args["verbose"])
	})

	t.Run("plain answer has no actions", func(t *testing.T) {
		assert.Empty(t, ParseActions("The answer is 42."))
	})
}
