package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Analysis document versions accepted by the validator.
const (
	AnalysisVersionV4  = "v4"
	AnalysisVersionV41 = "v4.1"
)

// SupportedAnalysisVersion reports whether v is an accepted document version.
func SupportedAnalysisVersion(v string) bool {
	return v == AnalysisVersionV4 || v == AnalysisVersionV41
}

// FlexTime is a timestamp that tolerates the date formats found in stored
// analysis documents: RFC 3339 with or without zone, space-separated
// datetimes, bare dates, and epoch seconds. It marshals back as RFC 3339 UTC.
type FlexTime struct {
	time.Time
}

var flexLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseFlexTime parses s using the tolerant layout list.
func ParseFlexTime(s string) (FlexTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FlexTime{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range flexLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return FlexTime{t}, nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return FlexTime{time.Unix(secs, 0).UTC()}, nil
	}
	return FlexTime{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*t = FlexTime{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseFlexTime(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %s", raw)
	}
	*t = FlexTime{time.Unix(int64(secs), 0).UTC()}
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// AnalysisMetrics carries engagement counts inside an analysis document.
// Likes defaults to zero; views and replies stay null when unknown.
type AnalysisMetrics struct {
	Likes   int  `json:"likes"`
	Views   *int `json:"views,omitempty"`
	Replies *int `json:"replies,omitempty"`
}

// ToneProfile is the emotional_pulse block. Scores are fractions in [0,1].
type ToneProfile struct {
	Primary  *string  `json:"primary,omitempty"`
	Cynicism *float64 `json:"cynicism,omitempty"`
	Hope     *float64 `json:"hope,omitempty"`
	Outrage  *float64 `json:"outrage,omitempty"`
	Notes    *string  `json:"notes,omitempty"`
}

// SegmentSample is one representative comment inside a segment.
type SegmentSample struct {
	CommentID *string `json:"comment_id,omitempty"`
	User      *string `json:"user,omitempty"`
	Text      string  `json:"text"`
	Likes     *int    `json:"likes,omitempty"`
}

// Segment is one audience faction with an optional share fraction.
type Segment struct {
	Label              string          `json:"label"`
	Share              *float64        `json:"share,omitempty"`
	Samples            []SegmentSample `json:"samples,omitempty"`
	LinguisticFeatures []string        `json:"linguistic_features,omitempty"`
}

// NarrativeStack holds the three-layer narrative reading.
type NarrativeStack struct {
	L1 *string `json:"l1,omitempty"`
	L2 *string `json:"l2,omitempty"`
	L3 *string `json:"l3,omitempty"`
}

// AnalysisPhenomenon is the phenomenon block inside an analysis document.
// Identity fields are registry-driven; model output only ever contributes
// the description and image.
type AnalysisPhenomenon struct {
	ID          *string `json:"id,omitempty"`
	Status      *string `json:"status,omitempty"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	AIImage     *string `json:"ai_image,omitempty"`
}

// DangerBlock carries coordination signals.
type DangerBlock struct {
	BotHomogeneityScore *float64 `json:"bot_homogeneity_score,omitempty"`
	Notes               *string  `json:"notes,omitempty"`
}

// PostBlock is the crawler-authoritative post section of the document.
type PostBlock struct {
	PostID    string          `json:"post_id"`
	Author    *string         `json:"author,omitempty"`
	Text      *string         `json:"text,omitempty"`
	Link      *string         `json:"link,omitempty"`
	Images    []string        `json:"images,omitempty"`
	Timestamp *FlexTime       `json:"timestamp,omitempty"`
	Metrics   AnalysisMetrics `json:"metrics"`
}

// SummaryCompat mirrors the legacy summary block kept for older readers.
type SummaryCompat struct {
	OneLine       *string `json:"one_line,omitempty"`
	NarrativeType *string `json:"narrative_type,omitempty"`
}

// BattlefieldCompat mirrors segments under the legacy battlefield key.
type BattlefieldCompat struct {
	Factions []Segment `json:"factions"`
}

// EvidenceBlock lists the references backing the phenomenon call. Refs keep
// their raw shape because upstream models vary it.
type EvidenceBlock struct {
	Refs []json.RawMessage `json:"refs"`
}

// AnalysisV4 is the fused analysis document persisted per post. Unknown keys
// in stored documents are dropped on decode rather than rejected.
type AnalysisV4 struct {
	Post           PostBlock          `json:"post"`
	Phenomenon     AnalysisPhenomenon `json:"phenomenon"`
	EmotionalPulse ToneProfile        `json:"emotional_pulse"`
	Segments       []Segment          `json:"segments"`
	NarrativeStack NarrativeStack     `json:"narrative_stack"`
	Danger         *DangerBlock       `json:"danger,omitempty"`
	Evidence       *EvidenceBlock     `json:"evidence,omitempty"`
	FullReport     *string            `json:"full_report,omitempty"`
	Summary        *SummaryCompat     `json:"summary,omitempty"`
	Battlefield    *BattlefieldCompat `json:"battlefield,omitempty"`

	// Builder-stamped envelope fields.
	AnalysisVersion string   `json:"analysis_version,omitempty"`
	AnalysisBuildID string   `json:"analysis_build_id,omitempty"`
	MissingKeys     []string `json:"missing_keys,omitempty"`
}

// VersionOrDefault returns the document version, treating absence as v4.
func (a *AnalysisV4) VersionOrDefault() string {
	if a == nil || a.AnalysisVersion == "" {
		return AnalysisVersionV4
	}
	return a.AnalysisVersion
}

// EvidenceCount returns the number of evidence refs, zero when the block is
// absent.
func (a *AnalysisV4) EvidenceCount() int {
	if a == nil || a.Evidence == nil {
		return 0
	}
	return len(a.Evidence.Refs)
}

// Map round-trips the document through JSON into a generic map, the shape
// used for storage patches.
func (a *AnalysisV4) Map() (map[string]any, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode analysis document: %w", err)
	}
	return m, nil
}
