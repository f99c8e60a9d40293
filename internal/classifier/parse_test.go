package classifier

import (
	"testing"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		expected  models.Verdict
		expectErr string
	}{
		{
			name:     "plain object",
			response: `{"decompose": true, "reasoning": "touches API and UI"}`,
			expected: models.Verdict{Decompose: true, Reasoning: "touches API and UI"},
		},
		{
			name:     "wrapped in prose and fence",
			response: "Here you go:\n```json\n{\"decompose\": false, \"reasoning\": \" small fix \"}\n```",
			expected: models.Verdict{Decompose: false, Reasoning: "small fix"},
		},
		{
			name:      "no object",
			response:  "I think yes",
			expectErr: "no valid JSON object",
		},
		{
			name:      "missing decompose",
			response:  `{"reasoning": "unsure"}`,
			expectErr: "missing the decompose field",
		},
		{
			name:      "malformed",
			response:  `{"decompose": maybe}`,
			expectErr: "unmarshal verdict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.response)
			if tt.expectErr != "" {
				assert.ErrorContains(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestParseDecomposition(t *testing.T) {
	t.Run("full breakdown", func(t *testing.T) {
		response := `Plan:
{
  "decompose": true,
  "reasoning": "schema first",
  "units": [
    {"sequence": 1, "title": " Schema ", "description": "Add tables", "test_intent": "migration runs", "parallel_group": 0},
    {"sequence": 2, "title": "API", "description": "Add endpoints", "test_intent": "handler tests", "parallel_group": 1},
    {"sequence": 3, "title": "UI", "description": "Add page", "test_intent": "renders", "parallel_group": 1}
  ],
  "parallel_groups": [[1], [2, 3]]
}`
		dec, err := parseDecomposition(response)
		require.NoError(t, err)
		assert.True(t, dec.Decompose)
		assert.Equal(t, "schema first", dec.Reasoning)
		require.Len(t, dec.Units, 3)
		assert.Equal(t, "Schema", dec.Units[0].Title)
		assert.Equal(t, 1, dec.Units[2].ParallelGroup)
		assert.Equal(t, [][]int{{1}, {2, 3}}, dec.ParallelGroups)
	})

	t.Run("declined", func(t *testing.T) {
		dec, err := parseDecomposition(`{"decompose": false, "units": [], "parallel_groups": []}`)
		require.NoError(t, err)
		assert.False(t, dec.Decompose)
	})

	t.Run("decompose without units", func(t *testing.T) {
		_, err := parseDecomposition(`{"decompose": true, "units": []}`)
		assert.ErrorContains(t, err, "no units")
	})

	t.Run("truncated response", func(t *testing.T) {
		_, err := parseDecomposition(`{"decompose": true, "units": [{"sequence": 1`)
		assert.Error(t, err)
	})
}
