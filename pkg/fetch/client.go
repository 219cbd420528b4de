package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/models"
)

// RenderResult is the renderer sidecar's response: the DOM as first painted
// and the DOM after the scroll phase.
type RenderResult struct {
	InitialHTML  string `json:"initial_html"`
	ScrolledHTML string `json:"scrolled_html"`
}

type renderRequest struct {
	URL                 string `json:"url"`
	TargetCommentBlocks int    `json:"target_comment_blocks"`
}

// Client talks to the renderer sidecar over HTTP.
type Client struct {
	cfg  config.CrawlerConfig
	http *http.Client
}

// NewClient builds a renderer client from configuration.
func NewClient(cfg config.CrawlerConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Render fetches both DOM snapshots for one post URL.
func (c *Client) Render(ctx context.Context, url string) (*RenderResult, error) {
	body, err := json.Marshal(renderRequest{
		URL:                 url,
		TargetCommentBlocks: c.cfg.TargetCommentBlocks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("renderer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("renderer returned status %d: %s", resp.StatusCode, string(raw))
	}

	var result RenderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode render response: %w", err)
	}
	if result.InitialHTML == "" && result.ScrolledHTML == "" {
		return nil, fmt.Errorf("renderer returned no HTML for %s", url)
	}
	return &result, nil
}

// Fetch renders and parses one target. mock:// targets short-circuit to
// deterministic synthetic data so pipeline flows can run without a renderer.
func (c *Client) Fetch(ctx context.Context, target string) (*ParsedPost, *RenderResult, error) {
	if IsMockTarget(target) {
		return MockPost(target), nil, nil
	}
	render, err := c.Render(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := ParseSnapshots(render.InitialHTML, render.ScrolledHTML, Canonicalize(target))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse thread DOM: %w", err)
	}
	return parsed, render, nil
}

// MockPost synthesizes a deterministic post for a mock:// target.
func MockPost(target string) *ParsedPost {
	return &ParsedPost{
		URL:         target,
		Author:      "mock_author",
		PostText:    fmt.Sprintf("Synthetic post body for %s generated at fixed content.", target),
		PostTextRaw: target,
		LikeCount:   42,
		ReplyCount:  3,
		Comments: []models.RawComment{
			{User: "mock_a", Text: "first synthetic reaction to this thread", Likes: 5},
			{User: "mock_b", Text: "second synthetic reaction with different wording", Likes: 2},
			{User: "mock_c", Text: "third synthetic reaction closing the sample", Likes: 1},
		},
	}
}

// DiscoverByKeyword asks the renderer's search surface for candidate post
// URLs matching a keyword. Used by the Pipeline B backend.
func (c *Client) DiscoverByKeyword(ctx context.Context, keyword string, maxPosts int) ([]string, error) {
	body, err := json.Marshal(map[string]any{"keyword": keyword, "max_posts": maxPosts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/discover", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("discovery returned status %d: %s", resp.StatusCode, string(raw))
	}

	var result struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode discovery response: %w", err)
	}
	return result.URLs, nil
}

// DownloadImage pulls image bytes for vision runs. The caller owns the
// returned bytes; they go to a temp file that is removed on every exit path.
func (c *Client) DownloadImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build image request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image body: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return data, mime, nil
}
