// Package fetch clients the external renderer sidecar and parses the thread
// DOM it returns into structured post data. The renderer itself is a black
// box; everything here works on its HTML snapshots.
package fetch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/narrativelab/threadscope/pkg/models"
)

// UI chrome strings that are never an author handle or content.
var uiTokens = map[string]bool{
	"follow":    true,
	"following": true,
	"more":      true,
	"top":       true,
	"translate": true,
	"verified":  true,
	"edited":    true,
	"author":    true,
	"liked by original author": true,
}

// Footer action strings that terminate a block body.
var footerTokens = map[string]bool{
	"translate": true,
	"like":      true,
	"reply":     true,
	"repost":    true,
	"share":     true,
}

// Relative timestamps like 2d, 17h, 5m, 3w.
var timePattern = regexp.MustCompile(`^\d+\s*[smhdw]$`)

var numberPattern = regexp.MustCompile(`([\d.]+)\s*([KM]?)`)

// ParseNumber reads an engagement count, tolerating 1.2K / 3.4M suffixes and
// thousands separators. Strings without digits parse to zero.
func ParseNumber(text string) int {
	if text == "" {
		return 0
	}
	clean := strings.ToUpper(strings.ReplaceAll(text, ",", ""))
	m := numberPattern.FindStringSubmatch(clean)
	if m == nil {
		return 0
	}
	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "K":
		num *= 1_000
	case "M":
		num *= 1_000_000
	}
	return int(num)
}

// extractBlockUser picks the author line of a block, skipping UI chrome and
// relative timestamps. Suffixes after a middle dot ("user · Author") are cut.
func extractBlockUser(lines []string) string {
	for _, line := range lines {
		candidate := strings.TrimSpace(line)
		if candidate == "" {
			continue
		}
		lower := strings.ToLower(candidate)
		if uiTokens[lower] || timePattern.MatchString(lower) {
			continue
		}
		if idx := strings.Index(candidate, "·"); idx >= 0 {
			candidate = strings.TrimSpace(candidate[:idx])
		}
		return candidate
	}
	return ""
}

// extractBlockLikes finds the first "Like" line and reads the next line as
// its count.
func extractBlockLikes(lines []string) int {
	for i, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line), "like") && i+1 < len(lines) {
			return ParseNumber(lines[i+1])
		}
	}
	return 0
}

// extractBlockBody returns the content lines of a block: after the "More"
// expander when present, otherwise from the first non-UI non-time line, and
// ending at the first footer action.
func extractBlockBody(lines []string) string {
	startIdx := 0
	foundMore := false
	for i, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line), "more") {
			startIdx = i + 1
			foundMore = true
			break
		}
	}
	if !foundMore {
		for i, line := range lines {
			candidate := strings.TrimSpace(line)
			if candidate == "" {
				continue
			}
			lower := strings.ToLower(candidate)
			if uiTokens[lower] || timePattern.MatchString(lower) {
				continue
			}
			startIdx = i
			break
		}
	}

	var body []string
	for _, line := range lines[startIdx:] {
		if footerTokens[strings.ToLower(strings.TrimSpace(line))] {
			break
		}
		body = append(body, line)
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}

func extractBlockMetrics(lines []string) (likes, replies, reposts, shares int) {
	for i, line := range lines {
		if i+1 >= len(lines) {
			break
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "like":
			likes = ParseNumber(lines[i+1])
		case "reply", "replies":
			replies = ParseNumber(lines[i+1])
		case "repost":
			reposts = ParseNumber(lines[i+1])
		case "share":
			shares = ParseNumber(lines[i+1])
		}
	}
	return
}

// ParsedPost is the structured result of parsing one thread page.
type ParsedPost struct {
	URL         string
	Author      string
	PostText    string
	PostTextRaw string
	LikeCount   int
	ViewCount   int
	ReplyCount  int
	RepostCount int
	ShareCount  int
	Images      []models.PostImage
	Comments    []models.RawComment
}

// blockLines flattens a pressable container into trimmed text lines, the
// line-oriented shape all block extractors work on.
func blockLines(sel *goquery.Selection) []string {
	var lines []string
	var walk func(n *goquery.Selection)
	walk = func(n *goquery.Selection) {
		n.Contents().Each(func(_ int, child *goquery.Selection) {
			if goquery.NodeName(child) == "#text" {
				if text := strings.TrimSpace(child.Text()); text != "" {
					lines = append(lines, text)
				}
				return
			}
			walk(child)
		})
	}
	walk(sel)
	return lines
}

// parseSingleHTML parses one DOM snapshot: the first pressable container is
// the post, the rest are comment blocks.
func parseSingleHTML(html, url string) (*ParsedPost, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	parsed := &ParsedPost{URL: url}
	blocks := doc.Find(`div[data-pressable-container=true]`)
	if blocks.Length() == 0 {
		return parsed, nil
	}

	main := blocks.First()
	lines := blockLines(main)
	parsed.PostTextRaw = strings.Join(lines, "\n")
	parsed.Author = extractBlockUser(lines)
	parsed.PostText = extractBlockBody(lines)
	parsed.LikeCount, parsed.ReplyCount, parsed.RepostCount, parsed.ShareCount = extractBlockMetrics(lines)

	// Images: skip profile pictures and s150x150 thumbnails, fall back to the
	// first srcset candidate when src is empty.
	main.Find("img").Each(func(_ int, img *goquery.Selection) {
		alt := img.AttrOr("alt", "")
		if strings.Contains(strings.ToLower(alt), "profile picture") {
			return
		}
		src := strings.TrimSpace(img.AttrOr("src", ""))
		if src == "" {
			if srcset := img.AttrOr("srcset", ""); srcset != "" {
				src = strings.TrimSpace(strings.SplitN(srcset, " ", 2)[0])
			}
		}
		if src == "" || strings.Contains(src, "s150x150") {
			return
		}
		parsed.Images = append(parsed.Images, models.PostImage{Src: src, Alt: alt})
	})

	// Views live in a standalone text node; avoid "View 3 more replies".
	doc.Find("*").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if sel.Children().Length() > 0 {
			return true
		}
		text := strings.TrimSpace(sel.Text())
		low := strings.ToLower(text)
		if strings.Contains(low, "views") && !strings.Contains(low, "reply") && !strings.Contains(low, "view more") {
			parsed.ViewCount = ParseNumber(text)
			return false
		}
		return true
	})

	blocks.Slice(1, blocks.Length()).Each(func(_ int, block *goquery.Selection) {
		bl := blockLines(block)
		raw := strings.Join(bl, "\n")
		if raw == "" {
			return
		}
		user := extractBlockUser(bl)
		body := extractBlockBody(bl)
		if user == "" && body == "" {
			return
		}
		parsed.Comments = append(parsed.Comments, models.RawComment{
			User:  user,
			Text:  body,
			Likes: extractBlockLikes(bl),
			Raw:   raw,
		})
	})

	return parsed, nil
}

// ParseSnapshots merges the two renderer snapshots into one post: the
// scrolled DOM is the primary source, the initial DOM contributes the top
// comments the UI showed first. Comments dedupe on (user, text) with
// top-snapshot rows marked; reply_count never undercounts the observed
// sample.
func ParseSnapshots(initialHTML, scrolledHTML, url string) (*ParsedPost, error) {
	mainHTML := scrolledHTML
	if mainHTML == "" {
		mainHTML = initialHTML
	}
	base, err := parseSingleHTML(mainHTML, url)
	if err != nil {
		return nil, err
	}

	scrolledComments := base.Comments
	var initialComments []models.RawComment
	if initialHTML != "" {
		top, parseErr := parseSingleHTML(initialHTML, url)
		if parseErr != nil {
			return nil, parseErr
		}
		initialComments = top.Comments
		if scrolledHTML == "" {
			scrolledComments = nil
		}
	}

	type key struct{ user, text string }
	seen := make(map[key]bool)
	var merged []models.RawComment
	for _, set := range []struct {
		comments []models.RawComment
		fromTop  bool
	}{
		{initialComments, true},
		{scrolledComments, false},
	} {
		for _, c := range set.comments {
			k := key{c.User, c.Text}
			if seen[k] {
				continue
			}
			seen[k] = true
			c.FromTopSnapshot = set.fromTop
			merged = append(merged, c)
		}
	}
	base.Comments = merged

	if len(merged) > base.ReplyCount {
		base.ReplyCount = len(merged)
	}
	return base, nil
}
