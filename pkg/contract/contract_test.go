package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":  "object",
		"title": "Decision",
		"properties": map[string]interface{}{
			"decision":  map[string]interface{}{"type": "string", "description": "the chosen answer"},
			"rationale": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"decision"},
	}
}

func TestInstructionMentionsRequiredFields(t *testing.T) {
	instr := Instruction(sampleSchema())
	assert.Contains(t, instr, "decision (required)")
	assert.Contains(t, instr, "rationale:")
	assert.Contains(t, instr, "Decision")
}

func TestExtractFencedJSONSuccess(t *testing.T) {
	c, err := Compile("c1", sampleSchema())
	require.NoError(t, err)

	content := "Here is my answer:\n```json\n{\"decision\": \"yes\", \"rationale\": \"because\"}\n```\n"
	result := c.Extract(content)
	require.Equal(t, ParseSuccess, result.Status)
	assert.Equal(t, ExtractionFenced, result.Method)
	assert.Equal(t, "yes", result.Decision["decision"])
}

func TestExtractUnfencedJSONSuccess(t *testing.T) {
	c, err := Compile("c1", sampleSchema())
	require.NoError(t, err)

	content := `{"decision": "no", "rationale": "because not"}`
	result := c.Extract(content)
	require.Equal(t, ParseSuccess, result.Status)
	assert.Equal(t, ExtractionUnfenced, result.Method)
	assert.Equal(t, "no", result.Decision["decision"])
}

func TestExtractValidationFailureIsFallback(t *testing.T) {
	c, err := Compile("c1", sampleSchema())
	require.NoError(t, err)

	content := `{"rationale": "missing the required decision field"}`
	result := c.Extract(content)
	assert.Equal(t, ParseFallback, result.Status)
	assert.NotEmpty(t, result.ParseError)
}

func TestExtractNoJSONIsFailed(t *testing.T) {
	c, err := Compile("c1", sampleSchema())
	require.NoError(t, err)

	result := c.Extract("no structured content here at all")
	assert.Equal(t, ParseFailed, result.Status)
	assert.Equal(t, ExtractionRaw, result.Method)
}
