// Package analysis fuses the crawler row, the model payload, and cluster data
// into the persisted AnalysisV4 artifact. Fusion is deterministic: the model
// never overrides crawler-observed facts, and the same inputs always produce
// the same document apart from the build id.
package analysis

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/narrativelab/threadscope/pkg/models"
)

const narrativeLayerCap = 1200

// phenomenonStatusPending marks documents awaiting registry identity.
const phenomenonStatusPending = "pending"

// divergenceIgnored reports whether a model-claimed count is too far from the
// crawler's observation to trust: |llm - crawler| > max(100, 0.5*crawler).
func divergenceIgnored(llm, crawler int) bool {
	diff := llm - crawler
	if diff < 0 {
		diff = -diff
	}
	limit := crawler / 2
	if limit < 100 {
		limit = 100
	}
	return diff > limit
}

// Build fuses one post row with the model payload into an AnalysisV4
// document. payload may be nil; the document then carries only crawler facts
// and whatever the report markers yield.
func Build(post *models.Post, payload map[string]any, fullReport string) *models.AnalysisV4 {
	doc := &models.AnalysisV4{
		AnalysisVersion: models.AnalysisVersionV41,
		AnalysisBuildID: uuid.New().String(),
	}

	doc.Post = buildPostBlock(post, payload)
	doc.Phenomenon = buildPhenomenonBlock(post, payload)
	doc.EmotionalPulse = buildTone(payload)
	doc.Segments = buildSegments(payload, "segments")
	doc.NarrativeStack = buildNarrativeStack(payload, fullReport)
	doc.Danger = buildDanger(payload)

	if fullReport != "" {
		doc.FullReport = &fullReport
	}

	// Legacy compat blocks mirror the primary fields.
	if doc.NarrativeStack.L1 != nil {
		doc.Summary = &models.SummaryCompat{OneLine: doc.NarrativeStack.L1}
	}
	if len(doc.Segments) > 0 {
		doc.Battlefield = &models.BattlefieldCompat{Factions: doc.Segments}
	}

	doc.Evidence = buildEvidence(payload)
	return doc
}

func buildPostBlock(post *models.Post, payload map[string]any) models.PostBlock {
	block := models.PostBlock{
		PostID:  fmt.Sprintf("%d", post.ID),
		Metrics: models.AnalysisMetrics{Likes: post.LikeCount},
	}
	if post.Author != "" {
		author := post.Author
		block.Author = &author
	}
	if post.PostText != "" {
		text := post.PostText
		block.Text = &text
	}
	if post.URL != "" {
		link := post.URL
		block.Link = &link
	}
	if !post.CreatedAt.IsZero() {
		ts := models.FlexTime{Time: post.CreatedAt}
		block.Timestamp = &ts
	}
	if post.ViewCount > 0 {
		views := post.ViewCount
		block.Metrics.Views = &views
	}
	if post.ReplyCount > 0 {
		replies := post.ReplyCount
		block.Metrics.Replies = &replies
	}
	block.Images = SanitizeImages(payloadSlice(payload, "post", "images"), post.Images)

	// Model metrics only fill crawler gaps; divergent claims are dropped.
	if metrics := payloadMap(payload, "metrics"); metrics != nil {
		if likes, ok := asInt(metrics["likes"]); ok && post.LikeCount == 0 {
			if divergenceIgnored(likes, post.LikeCount) {
				slog.Warn("Ignoring divergent model like count", "post_id", post.ID, "model", likes, "crawler", post.LikeCount)
			} else {
				block.Metrics.Likes = likes
			}
		}
		if views, ok := asInt(metrics["views"]); ok && block.Metrics.Views == nil {
			if divergenceIgnored(views, post.ViewCount) {
				slog.Warn("Ignoring divergent model view count", "post_id", post.ID, "model", views, "crawler", post.ViewCount)
			} else if views > 0 {
				block.Metrics.Views = &views
			}
		}
		if replies, ok := asInt(metrics["replies"]); ok && block.Metrics.Replies == nil {
			if divergenceIgnored(replies, post.ReplyCount) {
				slog.Warn("Ignoring divergent model reply count", "post_id", post.ID, "model", replies, "crawler", post.ReplyCount)
			} else if replies > 0 {
				block.Metrics.Replies = &replies
			}
		}
	}
	return block
}

// buildPhenomenonBlock carries model-written description fields but never
// identity: id and status come from the registry alone, so a fresh document
// is marked pending.
func buildPhenomenonBlock(post *models.Post, payload map[string]any) models.AnalysisPhenomenon {
	block := models.AnalysisPhenomenon{}
	if ph := payloadMap(payload, "phenomenon"); ph != nil {
		if name, ok := asString(ph["name"]); ok && name != "" {
			block.Name = &name
		}
		if desc, ok := asString(ph["description"]); ok && desc != "" {
			block.Description = &desc
		}
		if img, ok := asString(ph["ai_image"]); ok && img != "" {
			block.AIImage = &img
		}
	}
	if post.PhenomenonID != nil && *post.PhenomenonID != "" {
		block.ID = post.PhenomenonID
		block.Status = post.PhenomenonStatus
	} else {
		status := phenomenonStatusPending
		block.Status = &status
	}
	return block
}

func buildTone(payload map[string]any) models.ToneProfile {
	tone := models.ToneProfile{}
	pulse := payloadMap(payload, "emotional_pulse")
	if pulse == nil {
		return tone
	}
	if primary, ok := asString(pulse["primary"]); ok && primary != "" {
		tone.Primary = &primary
	}
	if notes, ok := asString(pulse["notes"]); ok && notes != "" {
		tone.Notes = &notes
	}
	for key, dst := range map[string]**float64{
		"cynicism": &tone.Cynicism,
		"hope":     &tone.Hope,
		"outrage":  &tone.Outrage,
	} {
		if v, ok := asFloat(pulse[key]); ok {
			clamped := clamp01(v)
			*dst = &clamped
		}
	}
	return tone
}

func buildSegments(payload map[string]any, key string) []models.Segment {
	raw := payloadSlice(payload, key)
	if raw == nil {
		return nil
	}
	var segments []models.Segment
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		label, _ := asString(m["label"])
		if label == "" {
			continue
		}
		seg := models.Segment{Label: label}
		if share, ok := asFloat(m["share"]); ok {
			normalized := NormalizeShare(share)
			seg.Share = &normalized
		}
		for _, feat := range payloadSlice(m, "linguistic_features") {
			if s, ok := asString(feat); ok && s != "" {
				seg.LinguisticFeatures = append(seg.LinguisticFeatures, s)
			}
		}
		for _, sample := range payloadSlice(m, "samples") {
			sm, ok := sample.(map[string]any)
			if !ok {
				continue
			}
			text, _ := asString(sm["text"])
			if text == "" {
				continue
			}
			s := models.SegmentSample{Text: text}
			if id, ok := asString(sm["comment_id"]); ok && id != "" {
				s.CommentID = &id
			}
			if user, ok := asString(sm["user"]); ok && user != "" {
				s.User = &user
			}
			if likes, ok := asInt(sm["likes"]); ok {
				s.Likes = &likes
			}
			seg.Samples = append(seg.Samples, s)
		}
		segments = append(segments, seg)
	}
	return segments
}

var narrativeMarkers = map[string]*regexp.Regexp{
	"l1": regexp.MustCompile(`(?ms)^##\s*L1[^\n]*\n(.*?)(?:^##\s|\z)`),
	"l2": regexp.MustCompile(`(?ms)^##\s*L2[^\n]*\n(.*?)(?:^##\s|\z)`),
	"l3": regexp.MustCompile(`(?ms)^##\s*L3[^\n]*\n(.*?)(?:^##\s|\z)`),
}

// buildNarrativeStack prefers the structured payload keys, falling back to
// the report's section markers. Every layer is capped.
func buildNarrativeStack(payload map[string]any, fullReport string) models.NarrativeStack {
	stack := models.NarrativeStack{}
	layers := map[string]**string{"l1": &stack.L1, "l2": &stack.L2, "l3": &stack.L3}

	structured := payloadMap(payload, "narrative_stack")
	for key, dst := range layers {
		var value string
		if structured != nil {
			value, _ = asString(structured[key])
		}
		if value == "" && payload != nil {
			// Flat legacy keys: L1_summary, L2_summary, L3_summary.
			value, _ = asString(payload[strings.ToUpper(key)+"_summary"])
		}
		if value == "" && fullReport != "" {
			if m := narrativeMarkers[key].FindStringSubmatch(fullReport); m != nil {
				value = strings.TrimSpace(m[1])
			}
		}
		if value == "" {
			continue
		}
		value = truncate(value, narrativeLayerCap)
		*dst = &value
	}
	return stack
}

func buildDanger(payload map[string]any) *models.DangerBlock {
	raw := payloadMap(payload, "danger")
	if raw == nil {
		return nil
	}
	block := &models.DangerBlock{}
	filled := false
	if score, ok := asFloat(raw["bot_homogeneity_score"]); ok {
		clamped := clamp01(score)
		block.BotHomogeneityScore = &clamped
		filled = true
	}
	if notes, ok := asString(raw["notes"]); ok && notes != "" {
		block.Notes = &notes
		filled = true
	}
	if !filled {
		return nil
	}
	return block
}

func buildEvidence(payload map[string]any) *models.EvidenceBlock {
	raw := payloadSlice(payload, "evidence", "refs")
	if raw == nil {
		raw = payloadSlice(payload, "evidence")
	}
	if raw == nil {
		return nil
	}
	block := &models.EvidenceBlock{}
	for _, entry := range raw {
		if encoded, err := marshalRaw(entry); err == nil {
			block.Refs = append(block.Refs, encoded)
		}
	}
	return block
}

// NormalizeShare maps model share values into [0,1]: fractions pass through,
// percentages divide by 100, everything else clamps.
func NormalizeShare(x float64) float64 {
	if x > 1 && x <= 100 {
		x = x / 100
	}
	return clamp01(x)
}

// SanitizeImages flattens the payload image list to plain URLs; object images
// reduce to src, proxy_url, or original_src. The crawler's images fill in
// when the payload has none.
func SanitizeImages(payloadImages []any, crawlerImages []models.PostImage) []string {
	var out []string
	for _, entry := range payloadImages {
		switch v := entry.(type) {
		case string:
			if v != "" {
				out = append(out, v)
			}
		case map[string]any:
			for _, key := range []string{"src", "proxy_url", "original_src"} {
				if s, ok := asString(v[key]); ok && s != "" {
					out = append(out, s)
					break
				}
			}
		}
	}
	if out == nil {
		for _, img := range crawlerImages {
			if img.Src != "" {
				out = append(out, img.Src)
			}
		}
	}
	return out
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
