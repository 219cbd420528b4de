package analyst

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelab/threadscope/pkg/models"
)

type fakeGenerator struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeGenerator) Generate(_ context.Context, _, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

const sampleReport = "## L1 — Surface narrative\nA factory closed.\n\n" +
	"```json\n{\"phenomenon\": {\"name\": \"shutdown panic\"}, \"metrics\": {\"likes\": 5}}\n```\n"

func TestExtractPayloadDecodesLastBlock(t *testing.T) {
	report := "intro\n```json\n{\"first\": true}\n```\nmore\n```json\n{\"second\": true}\n```\n"
	payload := ExtractPayload(report)
	require.NotNil(t, payload)
	assert.Equal(t, true, payload["second"])
	assert.NotContains(t, payload, "first")
}

func TestExtractPayloadSkipsMalformedBlocks(t *testing.T) {
	report := "```json\n{\"ok\": 1}\n```\n```json\n{broken\n```\n"
	payload := ExtractPayload(report)
	require.NotNil(t, payload)
	assert.Equal(t, float64(1), payload["ok"])
}

func TestExtractPayloadNilWithoutBlock(t *testing.T) {
	assert.Nil(t, ExtractPayload("## just markdown\nno payload here"))
}

func TestStripPayloadRemovesJSONBlocks(t *testing.T) {
	stripped := StripPayload(sampleReport)
	assert.NotContains(t, stripped, "```json")
	assert.Contains(t, stripped, "## L1")
}

func TestAnalyzeReturnsReportAndPayload(t *testing.T) {
	gen := &fakeGenerator{response: sampleReport}
	a := New(gen)
	a.minCallInterval = 0

	handle := "skeptic"
	out, err := a.Analyze(context.Background(), &models.Post{
		ID:       1,
		Author:   "poster",
		URL:      "https://example.com/p/1",
		PostText: "factory shut down",
	}, []*models.Comment{
		{Text: "staged", LikeCount: 10, AuthorHandle: &handle},
		{Text: ""},
	}, map[string]any{"clusters": []any{}}, "banner text")
	require.NoError(t, err)

	assert.Equal(t, sampleReport, out.FullReport)
	require.NotNil(t, out.Payload)
	ph, _ := out.Payload["phenomenon"].(map[string]any)
	assert.Equal(t, "shutdown panic", ph["name"])

	require.Len(t, gen.prompts, 1)
	prompt := gen.prompts[0]
	assert.Contains(t, prompt, "POST by @poster")
	assert.Contains(t, prompt, "[@skeptic, 10 likes] staged")
	assert.Contains(t, prompt, "IMAGE CONTEXT:\nbanner text")
	assert.Contains(t, prompt, "COMMENT CLUSTER STRUCTURE")
}

func TestAnalyzeRejectsEmptyReport(t *testing.T) {
	a := New(&fakeGenerator{response: "   "})
	a.minCallInterval = 0

	_, err := a.Analyze(context.Background(), &models.Post{}, nil, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty report")
}
