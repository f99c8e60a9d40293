package classifier

import (
	"encoding/json"
	"strings"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/pkg/errors"
)

// extractObject returns the outermost JSON object in a model response, which
// may be wrapped in prose or a code fence.
func extractObject(response string) (string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return "", errors.New("no valid JSON object found in response")
	}
	return response[start : end+1], nil
}

func parseVerdict(response string) (models.Verdict, error) {
	raw, err := extractObject(response)
	if err != nil {
		return models.Verdict{}, err
	}
	var v struct {
		Decompose *bool  `json:"decompose"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return models.Verdict{}, errors.Wrap(err, "unmarshal verdict")
	}
	if v.Decompose == nil {
		return models.Verdict{}, errors.New("verdict is missing the decompose field")
	}
	return models.Verdict{Decompose: *v.Decompose, Reasoning: strings.TrimSpace(v.Reasoning)}, nil
}

func parseDecomposition(response string) (models.Decomposition, error) {
	raw, err := extractObject(response)
	if err != nil {
		return models.Decomposition{}, err
	}
	var dec models.Decomposition
	if err := json.Unmarshal([]byte(raw), &dec); err != nil {
		return models.Decomposition{}, errors.Wrap(err, "unmarshal decomposition")
	}
	if dec.Decompose && len(dec.Units) == 0 {
		return models.Decomposition{}, errors.New("decomposition returned no units")
	}
	for i := range dec.Units {
		dec.Units[i].Title = strings.TrimSpace(dec.Units[i].Title)
		dec.Units[i].Description = strings.TrimSpace(dec.Units[i].Description)
		dec.Units[i].TestIntent = strings.TrimSpace(dec.Units[i].TestIntent)
	}
	return dec, nil
}
