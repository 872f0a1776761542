package searchsync

import "time"

// The catalog types mirror the normalized source tables. They are owned by the
// CRUD layer; this package only reads them to build projection rows.

// User is a row of the users table.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// File is a row of the files table.
type File struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// Label is a row of one of the categories, tags or variants tables.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Media reference kinds used in item galleries.
const (
	MediaByURL  = "url"
	MediaByFile = "file"
)

// MediaRef is one gallery entry of an item. Entries point either at a literal
// URL or at a files row by identifier.
type MediaRef struct {
	Kind    string `json:"kind"`
	URL     string `json:"url,omitempty"`
	FileID  string `json:"file_id,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// Item is a row of the items table.
type Item struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Description string     `json:"description,omitempty"`
	PreviewText string     `json:"preview_text,omitempty"`
	Status      string     `json:"status"`
	Authors     []string   `json:"authors,omitempty"`
	OwnerID     string     `json:"owner_id,omitempty"`
	CoverFileID string     `json:"cover_file_id,omitempty"`
	Gallery     []MediaRef `json:"gallery,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Source is an item joined with everything its projection row embeds.
// Categories, Tags and Variants are in link position order.
type Source struct {
	Item       Item
	Owner      *User
	Cover      *File
	Categories []Label
	Tags       []Label
	Variants   []Label
}
