// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyadai/polyad/internal/config"
)

// stubEmbedder maps known words onto fixed axes so similarity is predictable.
type stubEmbedder struct{}

func (stubEmbedder) Embeddings(_ context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	vec := make([]float64, 3)
	lower := strings.ToLower(text)
	if strings.Contains(lower, "cat") {
		vec[0] = 1
	}
	if strings.Contains(lower, "dog") {
		vec[1] = 1
	}
	if strings.Contains(lower, "car") {
		vec[2] = 1
	}
	if vec[0] == 0 && vec[1] == 0 && vec[2] == 0 {
		vec[0], vec[1], vec[2] = 0.1, 0.1, 0.1
	}
	return vec, nil
}

func newTestBase(t *testing.T) *Base {
	t.Helper()
	b, err := NewBase(&config.KnowledgeConfig{
		DBPath:        filepath.Join(t.TempDir(), "knowledge.db"),
		TopK:          5,
		MinSimilarity: 0.2,
	}, stubEmbedder{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestAddGetDelete(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	id, err := b.Add(ctx, "cats are mammals", "animals", "user")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entry, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cats are mammals", entry.Content)
	assert.Equal(t, "animals", entry.Category)
	assert.Equal(t, "user", entry.Source)
	assert.False(t, entry.CreatedAt.IsZero())

	require.NoError(t, b.Delete(ctx, id))
	_, err = b.Get(ctx, id)
	assert.Error(t, err)
	assert.Error(t, b.Delete(ctx, id))
}

func TestAdd_RequiresContent(t *testing.T) {
	b := newTestBase(t)
	_, err := b.Add(context.Background(), "", "cat", "src")
	assert.Error(t, err)
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	catID, err := b.Add(ctx, "cats sleep a lot", "animals", "")
	require.NoError(t, err)
	_, err = b.Add(ctx, "dogs chase balls", "animals", "")
	require.NoError(t, err)
	_, err = b.Add(ctx, "cars need fuel", "machines", "")
	require.NoError(t, err)

	results, err := b.Search(ctx, "tell me about cats", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, catID, results[0].Entry.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)

	// Weak matches below the similarity floor are filtered out.
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, 0.2)
	}
}

func TestSearch_TopKLimit(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Add(ctx, fmt.Sprintf("cat fact %d", i), "animals", "")
		require.NoError(t, err)
	}

	results, err := b.Search(ctx, "cat", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearch_WithoutEmbedderFails(t *testing.T) {
	b, err := NewBase(&config.KnowledgeConfig{
		DBPath: filepath.Join(t.TempDir(), "knowledge.db"),
	}, nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = b.Search(context.Background(), "anything", 5)
	assert.Error(t, err)
}

func TestListAndCount(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	_, err := b.Add(ctx, "cat one", "animals", "")
	require.NoError(t, err)
	_, err = b.Add(ctx, "car one", "machines", "")
	require.NoError(t, err)

	animals, err := b.List(ctx, "animals", 10)
	require.NoError(t, err)
	assert.Len(t, animals, 1)

	all, err := b.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	// Degenerate inputs.
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}
