package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairJSONValidInput(t *testing.T) {
	in := `{"items":[{"description":"Send ESG proposal"}]}`
	out, stats, err := RepairJSON(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, stats.WasRepaired)
}

func TestRepairJSONTrailingCommas(t *testing.T) {
	out, stats, err := RepairJSON(`{"items":[{"a":1},],}`)
	require.NoError(t, err)
	assert.True(t, stats.WasRepaired)
	assert.Contains(t, stats.Strategies, "trailing_commas")
	assert.True(t, json.Valid([]byte(out)))
}

func TestRepairJSONFallsBackToLibrary(t *testing.T) {
	out, stats, err := RepairJSON(`{'owner': 'advisor', confidence: 0.9`)
	require.NoError(t, err)
	assert.Contains(t, stats.Strategies, "jsonrepair_library")

	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "advisor", v["owner"])
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"fenced":       {in: "Here you go:\n```json\n{\"a\":1}\n```\nthanks", want: `{"a":1}`},
		"prose":        {in: `The result is [1,2] as requested.`, want: `[1,2]`},
		"none":         {in: `no structured output`, want: ""},
		"unterminated": {in: `answer: {"a":`, want: `{"a":`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractJSON(tc.in))
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	var target struct {
		Items []struct {
			Description string  `json:"description"`
			Confidence  float64 `json:"confidence"`
		} `json:"items"`
	}
	_, err := DecodeResponse("```json\n{\"items\":[{\"description\":\"Book follow-up\",\"confidence\":0.92,}]}\n```", &target)
	require.NoError(t, err)
	require.Len(t, target.Items, 1)
	assert.Equal(t, "Book follow-up", target.Items[0].Description)

	_, err = DecodeResponse("nothing here", &target)
	assert.Error(t, err)
}
