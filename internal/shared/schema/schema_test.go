package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
  "type": "object",
  "required": ["level"],
  "additionalProperties": false,
  "properties": {
    "level": {"type": "string", "enum": ["Low", "High"]},
    "score": {"type": "integer", "minimum": 0, "maximum": 100}
  }
}`

func TestValidate(t *testing.T) {
	v, err := Compile("test", []byte(testSchema))
	require.NoError(t, err)

	assert.NoError(t, v.Validate([]byte(`{"level":"Low","score":10}`)))
	assert.ErrorIs(t, v.Validate([]byte(`{"level":"Medium"}`)), ErrInvalid)
	assert.ErrorIs(t, v.Validate([]byte(`{"level":"Low","extra":1}`)), ErrInvalid)
	assert.ErrorIs(t, v.Validate([]byte(`{"score":101,"level":"Low"}`)), ErrInvalid)
	assert.ErrorIs(t, v.Validate([]byte(`{}`)), ErrInvalid)
}

func TestCompileInvalidSchema(t *testing.T) {
	_, err := Compile("broken", []byte(`{"type": 12`))
	assert.Error(t, err)
}
