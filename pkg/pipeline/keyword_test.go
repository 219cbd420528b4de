package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampKeywordRequest(t *testing.T) {
	req := clampKeywordRequest(KeywordRequest{MaxPosts: 99, Concurrency: 7, ReprocessPolicy: "bogus"})
	assert.Equal(t, keywordMaxPosts, req.MaxPosts)
	assert.Equal(t, keywordMaxConcurrency, req.Concurrency)
	assert.Equal(t, PolicySkipIfExists, req.ReprocessPolicy)

	req = clampKeywordRequest(KeywordRequest{})
	assert.Equal(t, 1, req.MaxPosts)
	assert.Equal(t, keywordDefaultWorkers, req.Concurrency)
}

func TestDedupeCanonical(t *testing.T) {
	urls := []string{
		"https://www.threads.com/@a/post/X?igshid=1",
		"https://www.threads.net/@a/post/X",
		"https://www.threads.net/@b/post/Y/",
		"",
	}
	out := dedupeCanonical(urls)

	require.Len(t, out, 2)
	assert.Equal(t, "https://www.threads.net/@a/post/X", out[0])
	assert.Equal(t, "https://www.threads.net/@b/post/Y", out[1])
}

type fakeKeywordStore struct {
	existing map[string]bool
	counters []int
}

func (f *fakeKeywordStore) ExistingURLs(_ context.Context, urls []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, u := range urls {
		out[u] = f.existing[u]
	}
	return out, nil
}

func (f *fakeKeywordStore) UpdateJobCounters(_ context.Context, _ string, total, processed, success, failed int) error {
	f.counters = []int{total, processed, success, failed}
	return nil
}

func (f *fakeKeywordStore) SetJobError(context.Context, string, string) error { return nil }

func TestSelectByPolicySkipIfExists(t *testing.T) {
	st := &fakeKeywordStore{existing: map[string]bool{"https://www.threads.net/@a/post/X": true}}
	k := &KeywordRunner{store: st}
	summary := &KeywordSummary{}

	selected, err := k.selectByPolicy(context.Background(),
		[]string{"https://www.threads.net/@a/post/X", "https://www.threads.net/@b/post/Y"},
		KeywordRequest{ReprocessPolicy: PolicySkipIfExists},
		summary)

	require.NoError(t, err)
	assert.Equal(t, []string{"https://www.threads.net/@b/post/Y"}, selected)
	assert.Equal(t, 1, summary.SkippedExists)
}

func TestSelectByPolicyForceAll(t *testing.T) {
	st := &fakeKeywordStore{existing: map[string]bool{"https://www.threads.net/@a/post/X": true}}
	k := &KeywordRunner{store: st}
	summary := &KeywordSummary{}

	urls := []string{"https://www.threads.net/@a/post/X"}
	selected, err := k.selectByPolicy(context.Background(), urls,
		KeywordRequest{ReprocessPolicy: PolicyForceAll}, summary)

	require.NoError(t, err)
	assert.Equal(t, urls, selected)
	assert.Zero(t, summary.SkippedExists)
}

func TestSelectByPolicyForceIfKeywordHit(t *testing.T) {
	st := &fakeKeywordStore{existing: map[string]bool{
		"https://www.threads.net/@a/post/crypto-scam": true,
		"https://www.threads.net/@b/post/other":       true,
	}}
	k := &KeywordRunner{store: st}
	summary := &KeywordSummary{}

	selected, err := k.selectByPolicy(context.Background(),
		[]string{"https://www.threads.net/@a/post/crypto-scam", "https://www.threads.net/@b/post/other"},
		KeywordRequest{Keyword: "crypto", ReprocessPolicy: PolicyForceIfKeywordHit},
		summary)

	require.NoError(t, err)
	assert.Equal(t, []string{"https://www.threads.net/@a/post/crypto-scam"}, selected)
	assert.Equal(t, 1, summary.SkippedPolicy)
}
