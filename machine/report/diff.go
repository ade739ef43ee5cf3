package report

import (
	"encoding/json"
	"fmt"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// StateDiff compares two values through their JSON form and returns an ascii
// diff of b against a. The diff is empty when they match.
func StateDiff(a, b interface{}, color bool) (string, error) {
	left, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal left: %w", err)
	}
	right, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal right: %w", err)
	}
	delta, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	if !delta.Modified() {
		return "", nil
	}
	var leftObj interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       color,
	})
	return f.Format(delta)
}
