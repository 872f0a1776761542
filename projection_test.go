package searchsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSource() *Source {
	return &Source{
		Item: Item{
			ID: "a", Name: "Dune", Slug: "dune", Description: "desert planet", PreviewText: "spice",
			Status: "published", Authors: []string{"Frank", "Herbert"},
			Gallery: []MediaRef{
				{Kind: MediaByURL, URL: "https://img/1.png", Caption: "one"},
				{Kind: MediaByFile, FileID: "f2"},
				{Kind: MediaByFile, FileID: "gone"},
				{Kind: MediaByFile, FileID: "f2"},
			},
		},
		Owner:      &User{ID: "u1", Username: "ann"},
		Cover:      &File{ID: "f1", URL: "https://cdn/f1.jpg", MimeType: "image/jpeg"},
		Categories: []Label{{ID: "c1", Name: "SciFi", Slug: "scifi"}, {ID: "c2", Name: "Classic", Slug: "classic"}},
		Tags:       []Label{{ID: "t1", Name: "sand", Slug: "sand"}},
	}
}

func TestSearchText_StableSlots(t *testing.T) {
	src := sampleSource()
	assert.Equal(t, "Dune desert planet spice Frank Herbert ann SciFi Classic sand ", SearchText(src))

	src.Owner.DisplayName = "Ann Smith"
	assert.Contains(t, SearchText(src), " Ann Smith ")

	empty := &Source{Item: Item{ID: "x", Name: "X"}}
	assert.Equal(t, "X       ", SearchText(empty), "absent fields keep their slot")
}

func TestBuildRow_ResolvesMedia(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	files := map[string]File{"f2": {ID: "f2", URL: "https://cdn/f2.png", MimeType: "image/png"}}
	r := BuildRow(sampleSource(), files, now)

	require.NotNil(t, r.Cover)
	assert.Equal(t, "https://cdn/f1.jpg", r.Cover.URL)
	require.Len(t, r.Gallery, 4)
	assert.Equal(t, "https://img/1.png", r.Gallery[0].URL)
	assert.Equal(t, "https://cdn/f2.png", r.Gallery[1].URL)
	assert.Equal(t, "", r.Gallery[2].URL, "unresolved files keep their slot")
	assert.Equal(t, "gone", r.Gallery[2].FileID)
	assert.Equal(t, []string{"c1", "c2"}, r.CategoryIDs)
	assert.Equal(t, []string{"t1"}, r.TagIDs)
	assert.Empty(t, r.VariantIDs)
	assert.NotNil(t, r.Variants)
	assert.Equal(t, "ann", r.Owner.Username)
	assert.True(t, r.LastUpdated.Equal(now))
	assert.Equal(t, []string{"f2", "gone"}, GalleryFileIDs(sampleSource()))
}

func TestBuildRow_Idempotent(t *testing.T) {
	files := map[string]File{"f2": {ID: "f2", URL: "u"}}
	a := BuildRow(sampleSource(), files, time.Unix(1, 0))
	b := BuildRow(sampleSource(), files, time.Unix(2, 0))
	a.LastUpdated, b.LastUpdated = time.Time{}, time.Time{}
	assert.Equal(t, a, b)
}
