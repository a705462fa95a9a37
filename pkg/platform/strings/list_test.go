package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: nil},
		{name: "blank", input: "  ", expected: nil},
		{name: "single broker", input: "b1:9092", expected: []string{"b1:9092"}},
		{name: "trims and drops empties", input: " b1:9092, ,b2:9092 ,", expected: []string{"b1:9092", "b2:9092"}},
		{name: "dedupes preserving order", input: "b2,b1,b2", expected: []string{"b2", "b1"}},
		{name: "case is significant", input: "Shifts,shifts", expected: []string{"Shifts", "shifts"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input, ","))
		})
	}
}

func TestDedupeAndTrim(t *testing.T) {
	assert.Nil(t, DedupeAndTrim(nil))
	assert.Equal(t, []string{}, DedupeAndTrim([]string{}))
	assert.Equal(t, []string{"reports", "shifts"}, DedupeAndTrim([]string{" reports", "shifts", "reports ", ""}))
}
