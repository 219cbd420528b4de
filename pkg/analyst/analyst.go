// Package analyst turns an ingested post and its comment structure into a
// narrative analysis report. The model writes markdown with an embedded JSON
// payload; the payload feeds the deterministic analysis builder downstream.
package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/narrativelab/threadscope/pkg/llm"
	"github.com/narrativelab/threadscope/pkg/models"
)

const systemPrompt = `You are a narrative analyst studying how social media posts spread and how their comment sections organize. You write structured markdown reports with an embedded machine-readable JSON payload.`

const reportInstructions = `Write a markdown report with these sections:
## L1 — Surface narrative
## L2 — Underlying frame
## L3 — Strategic function
## Audience segments
## Emotional pulse
## Danger signals

Then append exactly one fenced json block with this shape:
{
  "phenomenon": {"name": "...", "description": "..."},
  "emotional_pulse": {"primary": "...", "cynicism": 0.0, "hope": 0.0, "outrage": 0.0},
  "segments": [{"label": "...", "share": 0.0, "linguistic_features": ["..."]}],
  "narrative_stack": {"l1": "...", "l2": "...", "l3": "..."},
  "danger": {"bot_homogeneity_score": 0.0, "notes": "..."},
  "metrics": {"likes": 0, "views": 0, "replies": 0}
}`

const maxPromptComments = 40

var jsonBlockPattern = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// Generator is the slice of the LLM client the analyst calls.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Analyst produces the full report and the extracted payload for one post.
type Analyst struct {
	model Generator

	minCallInterval time.Duration
	lastCall        time.Time
}

// New builds an analyst over a text generation model.
func New(model Generator) *Analyst {
	return &Analyst{model: model, minCallInterval: 2 * time.Second}
}

// Output is the raw model product before fusion: the markdown report and the
// decoded JSON payload found inside it.
type Output struct {
	FullReport string
	Payload    map[string]any
}

// Analyze generates the narrative report for a post. A report without a
// decodable payload is still returned; the builder tolerates a nil payload
// and the narrative stack falls back to report markers.
func (a *Analyst) Analyze(ctx context.Context, post *models.Post, comments []*models.Comment, clusterSummary map[string]any, visionContext string) (*Output, error) {
	if err := llm.Throttle(ctx, a.lastCall, a.minCallInterval); err != nil {
		return nil, err
	}
	a.lastCall = time.Now()

	prompt := buildPrompt(post, comments, clusterSummary, visionContext)
	report, err := a.model.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate analysis report: %w", err)
	}
	if strings.TrimSpace(report) == "" {
		return nil, fmt.Errorf("analysis model returned an empty report")
	}

	return &Output{
		FullReport: report,
		Payload:    ExtractPayload(report),
	}, nil
}

// ExtractPayload decodes the last fenced json block in a report. Returns nil
// when no block decodes; malformed blocks are skipped, not fatal.
func ExtractPayload(report string) map[string]any {
	matches := jsonBlockPattern.FindAllStringSubmatch(report, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		var payload map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(matches[i][1])), &payload); err == nil {
			return payload
		}
	}
	return nil
}

// StripPayload removes fenced json blocks from a report, the form stored as
// full_report for human readers.
func StripPayload(report string) string {
	return strings.TrimSpace(jsonBlockPattern.ReplaceAllString(report, ""))
}

func buildPrompt(post *models.Post, comments []*models.Comment, clusterSummary map[string]any, visionContext string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "POST by @%s (%s)\n", post.Author, post.URL)
	fmt.Fprintf(&b, "Engagement: %d likes, %d views, %d replies\n\n", post.LikeCount, post.ViewCount, post.ReplyCount)
	fmt.Fprintf(&b, "TEXT:\n%s\n\n", post.PostText)

	if visionContext != "" {
		fmt.Fprintf(&b, "IMAGE CONTEXT:\n%s\n\n", visionContext)
	}

	if clusterSummary != nil {
		if raw, err := json.Marshal(clusterSummary); err == nil {
			fmt.Fprintf(&b, "COMMENT CLUSTER STRUCTURE:\n%s\n\n", raw)
		}
	}

	b.WriteString("TOP COMMENTS:\n")
	count := 0
	for _, c := range comments {
		if count == maxPromptComments {
			break
		}
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		handle := "unknown"
		if c.AuthorHandle != nil && *c.AuthorHandle != "" {
			handle = *c.AuthorHandle
		}
		fmt.Fprintf(&b, "- [@%s, %d likes] %s\n", handle, c.LikeCount, text)
		count++
	}

	b.WriteString("\n")
	b.WriteString(reportInstructions)
	return b.String()
}
