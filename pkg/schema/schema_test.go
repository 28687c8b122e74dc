package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmcorrupt/pkg/contract"
)

var regions = contract.Schema{
	Name: "TestRegions",
	Fields: []contract.Field{
		{Name: "incorrect_regions", Type: contract.TypeObjectList, Required: true, Items: []contract.Field{
			{Name: "error_substring", Type: contract.TypeString, Required: true},
			{Name: "error_explanation", Type: contract.TypeString},
		}},
		{Name: "notes", Type: contract.TypeStringMap},
	},
}

func TestParseValid(t *testing.T) {
	v, err := Compile(regions)
	require.NoError(t, err)

	out, err := v.Parse("```json\n{\"incorrect_regions\":[{\"error_substring\":\"x\"}],\"notes\":{\"a\":\"b\"}}\n```")
	require.NoError(t, err)

	var got struct {
		IncorrectRegions []contract.IncorrectRegion `json:"incorrect_regions"`
	}
	require.NoError(t, out.Decode(&got))
	assert.Equal(t, "x", got.IncorrectRegions[0].ErrorSubstring)
}

func TestParseMalformed(t *testing.T) {
	v, err := Compile(regions)
	require.NoError(t, err)

	cases := map[string]string{
		"no object":        "sorry, I cannot help",
		"broken json":      "{\"incorrect_regions\": [",
		"missing required": "{\"notes\":{}}",
		"wrong type":       "{\"incorrect_regions\":\"abc\"}",
		"map value type":   "{\"incorrect_regions\":[],\"notes\":{\"a\":1}}",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse(text)
			assert.True(t, errors.Is(err, contract.ErrMalformedOutput), "got %v", err)
		})
	}
}

func TestCompileEmptyName(t *testing.T) {
	_, err := Compile(contract.Schema{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestInstructions(t *testing.T) {
	s := Instructions(regions)
	assert.True(t, strings.Contains(s, "- incorrect_regions (list of objects, required)"))
	assert.True(t, strings.Contains(s, "  - error_substring (string, required)"))
	assert.True(t, strings.Contains(s, "- notes (object mapping string to string)"))
}

func TestDocumentRequired(t *testing.T) {
	doc := Document(regions)
	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, []string{"incorrect_regions"}, doc["required"])
}
