package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/narrativelab/threadscope/pkg/models"
)

const snippetMaxLen = 180

// visionFullText pulls the extracted text out of a stored vision V2 blob.
func visionFullText(raw []byte) string {
	var v2 struct {
		FullText string `json:"full_text"`
	}
	if err := json.Unmarshal(raw, &v2); err != nil {
		return ""
	}
	return v2.FullText
}

// PhenomenonMeta is the merged read-side view of a post's phenomenon fields.
type PhenomenonMeta struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	CaseID string `json:"case_id,omitempty"`
}

// MergeMeta resolves a post's phenomenon identity for readers. Dedicated DB
// columns win over the stored analysis document; absent everywhere means
// pending. A column/document mismatch is logged, not repaired.
func MergeMeta(post *models.Post) PhenomenonMeta {
	meta := PhenomenonMeta{Status: "pending"}

	docID, docStatus := documentIdentity(post.AnalysisJSON)
	if docID != "" {
		meta.ID = docID
	}
	if docStatus != "" {
		meta.Status = docStatus
	}
	if caseID, ok := post.AnalysisJSON["phenomenon_case_id"].(string); ok {
		meta.CaseID = caseID
	}

	if post.PhenomenonID != nil && *post.PhenomenonID != "" {
		if docID != "" && docID != *post.PhenomenonID {
			slog.Warn("Phenomenon id mismatch between columns and document",
				"post_id", post.ID, "column", *post.PhenomenonID, "document", docID)
		}
		meta.ID = *post.PhenomenonID
	}
	if post.PhenomenonStatus != nil && *post.PhenomenonStatus != "" {
		meta.Status = *post.PhenomenonStatus
	}
	if post.PhenomenonCaseID != nil && *post.PhenomenonCaseID != "" {
		meta.CaseID = *post.PhenomenonCaseID
	}
	return meta
}

func documentIdentity(doc map[string]any) (id, status string) {
	ph, _ := doc["phenomenon"].(map[string]any)
	if ph == nil {
		return "", ""
	}
	id, _ = ph["id"].(string)
	status, _ = ph["status"].(string)
	return id, status
}

// CleanSnippet collapses whitespace and trims a text to the display length,
// appending an ellipsis when it was cut.
func CleanSnippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= snippetMaxLen {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:snippetMaxLen])) + "…"
}

// StatsStore is the read surface for per-phenomenon usage stats.
type StatsStore interface {
	PhenomenonPostStats(ctx context.Context, phenomenonID string) (*models.PhenomenonStats, error)
	ListPostsByPhenomenon(ctx context.Context, phenomenonID string, limit int) ([]*models.Post, error)
}

// PhenomenonDetail is the library detail payload: the registry row plus its
// usage stats and example posts.
type PhenomenonDetail struct {
	Phenomenon *models.Phenomenon      `json:"phenomenon"`
	Stats      *models.PhenomenonStats `json:"stats,omitempty"`
	Posts      []PostSnippet           `json:"posts"`
}

// PostSnippet is one example post in a phenomenon detail view.
type PostSnippet struct {
	ID      int64  `json:"id"`
	URL     string `json:"url"`
	Author  string `json:"author,omitempty"`
	Snippet string `json:"snippet"`
	Likes   int    `json:"likes"`
}

// BuildDetail assembles the detail view for one phenomenon.
func BuildDetail(ctx context.Context, st StatsStore, ph *models.Phenomenon, postLimit int) (*PhenomenonDetail, error) {
	detail := &PhenomenonDetail{Phenomenon: ph, Posts: []PostSnippet{}}

	stats, err := st.PhenomenonPostStats(ctx, ph.ID)
	if err != nil {
		return nil, err
	}
	detail.Stats = stats

	posts, err := st.ListPostsByPhenomenon(ctx, ph.ID, postLimit)
	if err != nil {
		return nil, err
	}
	for _, p := range posts {
		detail.Posts = append(detail.Posts, PostSnippet{
			ID:      p.ID,
			URL:     p.URL,
			Author:  p.Author,
			Snippet: CleanSnippet(p.PostText),
			Likes:   p.LikeCount,
		})
	}
	return detail, nil
}
