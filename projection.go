package searchsync

import (
	"strings"
	"time"
)

// Row is one denormalized, searchable projection row. It is written only by
// the Builder and read by everything else.
type Row struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Slug        string   `json:"slug"`
	Description string   `json:"description"`
	PreviewText string   `json:"preview_text"`
	Status      string   `json:"status"`
	Authors     []string `json:"authors"`

	Owner   *OwnerDoc  `json:"owner"`
	Cover   *MediaDoc  `json:"cover"`
	Gallery []MediaDoc `json:"gallery"`

	Categories []LabelDoc `json:"categories"`
	Tags       []LabelDoc `json:"tags"`
	Variants   []LabelDoc `json:"variants"`

	CategoryIDs []string `json:"category_ids"`
	TagIDs      []string `json:"tag_ids"`
	VariantIDs  []string `json:"variant_ids"`

	SearchText string `json:"search_text"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// OwnerDoc is the subset of the owning user embedded in a row.
type OwnerDoc struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// MediaDoc is a media reference with its URL resolved.
type MediaDoc struct {
	URL      string `json:"url"`
	FileID   string `json:"file_id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// LabelDoc is an embedded category, tag or variant.
type LabelDoc struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// BuildRow computes the projection row of src. files resolves gallery
// references by file id; missing ids resolve to an empty URL. The result
// depends only on its inputs and now, so rebuilding unchanged data yields
// identical rows apart from LastUpdated.
func BuildRow(src *Source, files map[string]File, now time.Time) *Row {
	it := src.Item
	r := &Row{
		ID:          it.ID,
		Name:        it.Name,
		Slug:        it.Slug,
		Description: it.Description,
		PreviewText: it.PreviewText,
		Status:      it.Status,
		Authors:     append([]string{}, it.Authors...),
		Gallery:     make([]MediaDoc, 0, len(it.Gallery)),
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
		LastUpdated: now,
	}
	if src.Owner != nil {
		r.Owner = &OwnerDoc{
			ID:          src.Owner.ID,
			Username:    src.Owner.Username,
			DisplayName: src.Owner.DisplayName,
			AvatarURL:   src.Owner.AvatarURL,
		}
	}
	if src.Cover != nil {
		r.Cover = &MediaDoc{URL: src.Cover.URL, FileID: src.Cover.ID, MimeType: src.Cover.MimeType}
	}
	for _, m := range it.Gallery {
		doc := MediaDoc{URL: m.URL, Caption: m.Caption}
		if m.Kind == MediaByFile && m.FileID != "" {
			f := files[m.FileID]
			doc.URL = f.URL
			doc.FileID = m.FileID
			doc.MimeType = f.MimeType
		}
		r.Gallery = append(r.Gallery, doc)
	}
	r.Categories, r.CategoryIDs = labelDocs(src.Categories)
	r.Tags, r.TagIDs = labelDocs(src.Tags)
	r.Variants, r.VariantIDs = labelDocs(src.Variants)
	r.SearchText = SearchText(src)
	return r
}

// SearchText joins the searchable fields of src with single spaces. Absent
// fields contribute empty strings so every field keeps its slot.
func SearchText(src *Source) string {
	owner := ""
	if src.Owner != nil {
		owner = src.Owner.DisplayName
		if owner == "" {
			owner = src.Owner.Username
		}
	}
	parts := []string{
		src.Item.Name,
		src.Item.Description,
		src.Item.PreviewText,
		strings.Join(src.Item.Authors, " "),
		owner,
		joinNames(src.Categories),
		joinNames(src.Tags),
		joinNames(src.Variants),
	}
	return strings.Join(parts, " ")
}

// GalleryFileIDs returns the distinct file ids referenced by the gallery of src, in order.
func GalleryFileIDs(src *Source) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, m := range src.Item.Gallery {
		if m.Kind != MediaByFile || m.FileID == "" {
			continue
		}
		if _, ok := seen[m.FileID]; ok {
			continue
		}
		seen[m.FileID] = struct{}{}
		ids = append(ids, m.FileID)
	}
	return ids
}

func labelDocs(ls []Label) ([]LabelDoc, []string) {
	docs := make([]LabelDoc, 0, len(ls))
	ids := make([]string, 0, len(ls))
	for _, l := range ls {
		docs = append(docs, LabelDoc{ID: l.ID, Name: l.Name, Slug: l.Slug})
		ids = append(ids, l.ID)
	}
	return docs, ids
}

func joinNames(ls []Label) string {
	names := make([]string, 0, len(ls))
	for _, l := range ls {
		names = append(names, l.Name)
	}
	return strings.Join(names, " ")
}
