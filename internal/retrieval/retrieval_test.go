package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	err   error
	calls []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeIndex struct {
	matches  []Match
	err      error
	queries  []Query
	upserted []Document
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, q Query) ([]Match, error) {
	f.queries = append(f.queries, q)
	return f.matches, f.err
}

func (f *fakeIndex) Upsert(_ context.Context, doc Document, _ []float32) error {
	if f.err != nil {
		return f.err
	}
	f.upserted = append(f.upserted, doc)
	return nil
}

func TestSearch_OrdersByScoreAndTruncates(t *testing.T) {
	idx := &fakeIndex{matches: []Match{
		{ID: "a", Score: 0.2},
		{ID: "b", Score: 0.9},
		{ID: "c", Score: 0.5},
	}}
	r := New(&fakeEmbedder{}, idx, nil)

	got := r.Search(context.Background(), Query{Text: "withdrawal", TopK: 2, Namespace: NamespaceLogs, RepoID: "r1"})
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
	require.Len(t, idx.queries, 1)
	assert.Equal(t, "r1", idx.queries[0].RepoID)
}

func TestSearch_DegradesOnFailure(t *testing.T) {
	ctx := context.Background()

	r := New(&fakeEmbedder{err: errors.New("rate limited")}, &fakeIndex{}, nil)
	assert.Empty(t, r.Search(ctx, Query{Text: "boom"}))

	r = New(&fakeEmbedder{}, &fakeIndex{err: errors.New("connection refused")}, nil)
	assert.Empty(t, r.Search(ctx, Query{Text: "boom"}))
}

func TestSearch_Disabled(t *testing.T) {
	var nilRetriever *Retriever
	assert.False(t, nilRetriever.Enabled())
	assert.Empty(t, nilRetriever.Search(context.Background(), Query{Text: "x"}))

	r := New(nil, nil, nil)
	assert.False(t, r.Enabled())
	assert.Empty(t, r.Search(context.Background(), Query{Text: "x"}))
	assert.ErrorIs(t, r.Add(context.Background(), Document{ID: "d"}), ErrDisabled)
}

func TestSearch_EmptyQuerySkipsBackend(t *testing.T) {
	emb := &fakeEmbedder{}
	r := New(emb, &fakeIndex{}, nil)
	assert.Empty(t, r.Search(context.Background(), Query{Text: "   "}))
	assert.Empty(t, emb.calls)
}

func TestAdd(t *testing.T) {
	idx := &fakeIndex{}
	r := New(&fakeEmbedder{}, idx, nil)
	doc := Document{ID: "c1", Namespace: NamespaceCommits, SourceType: SourceCommit, Text: "fix ledger"}
	require.NoError(t, r.Add(context.Background(), doc))
	assert.Equal(t, []Document{doc}, idx.upserted)
}

func TestPartition(t *testing.T) {
	matches := []Match{
		{ID: "1", Metadata: map[string]string{MetaType: SourceCommit}},
		{ID: "2", Metadata: map[string]string{MetaSourceType: SourceLog}},
		{ID: "3", Metadata: map[string]string{MetaType: SourceSlack}},
		{ID: "4", Metadata: map[string]string{MetaSourceType: SourceCodeChange}},
		{ID: "5", Metadata: map[string]string{MetaType: SourceChat}},
		{ID: "6"},
	}
	got := Partition(matches)
	want := Buckets{
		Commits: []Match{matches[0], matches[3]},
		Logs:    []Match{matches[1]},
		Chat:    []Match{matches[2], matches[4]},
		Other:   []Match{matches[5]},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Partition mismatch (-want +got):\n%s", diff)
	}
}

func TestMatch_SourceTypePrefersType(t *testing.T) {
	m := Match{Metadata: map[string]string{MetaType: SourceLog, MetaSourceType: SourceCommit}}
	assert.Equal(t, SourceLog, m.SourceType())
	assert.Equal(t, "", Match{}.SourceType())
}
