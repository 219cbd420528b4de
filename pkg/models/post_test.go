package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostImageSubjectURL(t *testing.T) {
	tests := []struct {
		name string
		img  PostImage
		want string
	}{
		{
			name: "cdn url wins",
			img:  PostImage{CDNURL: "https://cdn.example/a.jpg", OriginalSrc: "https://orig.example/a.jpg", Src: "https://src.example/a.jpg"},
			want: "https://cdn.example/a.jpg",
		},
		{
			name: "falls back to original src",
			img:  PostImage{OriginalSrc: "https://orig.example/a.jpg", Src: "https://src.example/a.jpg"},
			want: "https://orig.example/a.jpg",
		},
		{
			name: "falls back to src",
			img:  PostImage{Src: "http://src.example/a.jpg"},
			want: "http://src.example/a.jpg",
		},
		{
			name: "non http candidates are skipped",
			img:  PostImage{CDNURL: "data:image/png;base64,xxx", Src: "https://src.example/a.jpg"},
			want: "https://src.example/a.jpg",
		},
		{
			name: "nothing usable",
			img:  PostImage{CDNURL: "blob:abc"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.img.SubjectURL())
		})
	}
}

func TestPostHasAnalysis(t *testing.T) {
	var p Post
	assert.False(t, p.HasAnalysis())

	p.AnalysisJSON = map[string]any{"analysis_version": "v4"}
	assert.True(t, p.HasAnalysis())

	p.AnalysisJSON = nil
	p.FullReport = "report body"
	assert.True(t, p.HasAnalysis())
}

func TestJobItemSucceeded(t *testing.T) {
	item := JobItem{Status: ItemCompleted}
	assert.True(t, item.Succeeded())

	item = JobItem{Status: ItemFailed, Stage: StageCompleted}
	assert.True(t, item.Succeeded())

	item = JobItem{Status: ItemProcessing, Stage: StageAnalyst}
	assert.False(t, item.Succeeded())
}
