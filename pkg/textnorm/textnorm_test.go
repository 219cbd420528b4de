package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:  "collapses whitespace trims and lowercases",
			input: "  Héllo \nWorld\t😊  ",
			want:  "héllo world 😊",
		},
		{
			name:   "truncates by runes not bytes",
			input:  "  Héllo \nWorld\t😊  ",
			maxLen: 5,
			want:   "héllo",
		},
		{
			name:  "strips byte order mark",
			input: "\ufeffHello",
			want:  "hello",
		},
		{
			name:  "composes decomposed accents",
			input: "Héllo", // e + combining acute
			want:  "héllo",
		},
		{
			name:  "empty input",
			input: "",
			want:  "",
		},
		{
			name:  "unicode whitespace collapses too",
			input: "a 　b",
			want:  "a b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input, tt.maxLen))
		})
	}
}

func TestCollapsePreservesCase(t *testing.T) {
	assert.Equal(t, "Hello World", Collapse("  Hello \n World\t"))
	assert.Equal(t, "", Collapse("   "))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "日本", Truncate("日本語", 2))
}
