package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/registry"
	"github.com/narrativelab/threadscope/pkg/store"
)

// Read-path bounds for posts and comments.
const (
	recentPostLimit    = 20
	commentPageMax     = 100
	commentPageDefault = 50
	commentSearchLimit = 100
)

// PostStore is the persistence surface the post service needs.
type PostStore interface {
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	ListRecentAnalyzedPosts(ctx context.Context, limit int) ([]*models.Post, error)
	ListCommentsByPost(ctx context.Context, postID int64, sortBy string, limit, offset int) ([]*models.Comment, error)
	CountCommentsByPost(ctx context.Context, postID int64) (int, error)
	SearchComments(ctx context.Context, text, author string, postID int64, limit int) ([]*models.Comment, error)
}

// PostView is a recent-posts list entry: the post plus its merged phenomenon
// identity.
type PostView struct {
	Post       *models.Post            `json:"post"`
	Phenomenon registry.PhenomenonMeta `json:"phenomenon"`
}

// AnalysisDocument is the analysis-json read payload with validity meta.
// HasFullReport lets the missing-document 404 hint at the fallback endpoint.
type AnalysisDocument struct {
	PostID        int64          `json:"post_id"`
	AnalysisJSON  map[string]any `json:"analysis_json"`
	HasFullReport bool           `json:"has_full_report"`
	IsValid       *bool          `json:"analysis_is_valid,omitempty"`
	Version       *string        `json:"analysis_version,omitempty"`
	BuildID       *string        `json:"analysis_build_id,omitempty"`
	InvalidReason *string        `json:"analysis_invalid_reason,omitempty"`
	MissingKeys   []string       `json:"analysis_missing_keys,omitempty"`
}

// ErrAnalysisMissing marks a post that exists but has no analysis document.
// The API layer turns it into the reason-coded 404.
var ErrAnalysisMissing = errors.New("analysis document missing")

// CommentPage is one page of a post's comments.
type CommentPage struct {
	PostID   int64             `json:"post_id"`
	Comments []*models.Comment `json:"comments"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// PostService serves analyzed-post reads through the degraded cache.
type PostService struct {
	store PostStore
	cache *ReadCache
}

// NewPostService wires the post read service.
func NewPostService(st PostStore) *PostService {
	return &PostService{store: st, cache: NewReadCache()}
}

// Recent returns the latest analyzed posts with merged phenomenon meta.
func (s *PostService) Recent(ctx context.Context) ([]PostView, bool, error) {
	value, degraded, err := s.cache.Fetch("posts:recent", func() (any, error) {
		posts, loadErr := s.store.ListRecentAnalyzedPosts(ctx, recentPostLimit)
		if loadErr != nil {
			return nil, loadErr
		}
		views := make([]PostView, 0, len(posts))
		for _, p := range posts {
			views = append(views, PostView{Post: p, Phenomenon: registry.MergeMeta(p)})
		}
		return views, nil
	})
	if err != nil {
		return []PostView{}, degraded, err
	}
	views, _ := value.([]PostView)
	return views, degraded, nil
}

// Analysis returns the stored analysis document with its validity meta.
// A post without a document yields ErrAnalysisMissing alongside a document
// whose HasFullReport flag says whether the markdown fallback exists.
func (s *PostService) Analysis(ctx context.Context, postID int64) (*AnalysisDocument, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load post %d: %w", postID, err)
	}
	if len(post.AnalysisJSON) == 0 {
		return &AnalysisDocument{
			PostID:        postID,
			HasFullReport: post.FullReport != "",
			InvalidReason: post.AnalysisInvalidReason,
		}, ErrAnalysisMissing
	}
	return &AnalysisDocument{
		PostID:        post.ID,
		AnalysisJSON:  post.AnalysisJSON,
		HasFullReport: post.FullReport != "",
		IsValid:       post.AnalysisIsValid,
		Version:       post.AnalysisVersion,
		BuildID:       post.AnalysisBuildID,
		InvalidReason: post.AnalysisInvalidReason,
		MissingKeys:   post.AnalysisMissingKeys,
	}, nil
}

// FullReport returns the raw report markdown for a post.
func (s *PostService) FullReport(ctx context.Context, postID int64) (string, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to load post %d: %w", postID, err)
	}
	return post.FullReport, nil
}

// CommentsByPost returns one page of a post's comments sorted by likes or
// time.
func (s *PostService) CommentsByPost(ctx context.Context, postID int64, sortBy string, page, pageSize int) (*CommentPage, bool, error) {
	if sortBy != "time" {
		sortBy = "likes"
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = commentPageDefault
	}
	if pageSize > commentPageMax {
		pageSize = commentPageMax
	}
	key := fmt.Sprintf("comments:by-post:%d:%s:%d:%d", postID, sortBy, page, pageSize)
	value, degraded, err := s.cache.Fetch(key, func() (any, error) {
		comments, loadErr := s.store.ListCommentsByPost(ctx, postID, sortBy, pageSize, (page-1)*pageSize)
		if loadErr != nil {
			return nil, loadErr
		}
		total, loadErr := s.store.CountCommentsByPost(ctx, postID)
		if loadErr != nil {
			return nil, loadErr
		}
		if comments == nil {
			comments = []*models.Comment{}
		}
		return &CommentPage{
			PostID:   postID,
			Comments: comments,
			Total:    total,
			Page:     page,
			PageSize: pageSize,
		}, nil
	})
	if err != nil {
		return nil, degraded, err
	}
	pageOut, _ := value.(*CommentPage)
	return pageOut, degraded, nil
}

// SearchComments filters comments by text, author, and post.
func (s *PostService) SearchComments(ctx context.Context, text, author string, postID int64) ([]*models.Comment, bool, error) {
	key := fmt.Sprintf("comments:search:%s:%s:%d", text, author, postID)
	value, degraded, err := s.cache.Fetch(key, func() (any, error) {
		return s.store.SearchComments(ctx, text, author, postID, commentSearchLimit)
	})
	if err != nil {
		return []*models.Comment{}, degraded, err
	}
	comments, _ := value.([]*models.Comment)
	if comments == nil {
		comments = []*models.Comment{}
	}
	return comments, degraded, nil
}
