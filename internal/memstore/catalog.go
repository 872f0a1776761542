package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/UniQw/searchsync"
)

var labelKinds = []searchsync.MasterKind{searchsync.MasterCategory, searchsync.MasterTag, searchsync.MasterVariant}

// linkTables names the linking table of each label kind, used as the cause
// of captured link changes.
var linkTables = map[searchsync.MasterKind]string{
	searchsync.MasterCategory: "item_categories",
	searchsync.MasterTag:      "item_tags",
	searchsync.MasterVariant:  "item_variants",
}

func isLabelKind(k searchsync.MasterKind) bool {
	_, ok := linkTables[k]
	return ok
}

func (st *state) masterExists(kind searchsync.MasterKind, id string) bool {
	switch kind {
	case searchsync.MasterOwner:
		_, ok := st.users[id]
		return ok
	case searchsync.MasterFile:
		_, ok := st.files[id]
		return ok
	default:
		m, ok := st.labels[kind]
		if !ok {
			return false
		}
		_, ok = m[id]
		return ok
	}
}

// affected returns the sorted ids of items embedding the master record.
func (st *state) affected(kind searchsync.MasterKind, id string) []string {
	seen := make(map[string]struct{})
	switch kind {
	case searchsync.MasterOwner:
		for _, it := range st.items {
			if it.OwnerID == id {
				seen[it.ID] = struct{}{}
			}
		}
	case searchsync.MasterFile:
		for _, it := range st.items {
			if it.CoverFileID == id || galleryRefs(it, id) {
				seen[it.ID] = struct{}{}
			}
		}
	default:
		for k := range st.links[kind] {
			if k.target == id {
				seen[k.item] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func galleryRefs(it searchsync.Item, fileID string) bool {
	for _, m := range it.Gallery {
		if m.Kind == searchsync.MediaByFile && m.FileID == fileID {
			return true
		}
	}
	return false
}

// source joins one item with its owner, cover and labels in link order.
func (st *state) source(id string) *searchsync.Source {
	it, ok := st.items[id]
	if !ok {
		return nil
	}
	src := &searchsync.Source{Item: it}
	if u, ok := st.users[it.OwnerID]; ok && it.OwnerID != "" {
		src.Owner = &u
	}
	if f, ok := st.files[it.CoverFileID]; ok && it.CoverFileID != "" {
		src.Cover = &f
	}
	src.Categories = st.linkedLabels(searchsync.MasterCategory, id)
	src.Tags = st.linkedLabels(searchsync.MasterTag, id)
	src.Variants = st.linkedLabels(searchsync.MasterVariant, id)
	return src
}

func (st *state) linkedLabels(kind searchsync.MasterKind, itemID string) []searchsync.Label {
	type linked struct {
		pos   int
		label searchsync.Label
	}
	var ls []linked
	for k, pos := range st.links[kind] {
		if k.item != itemID {
			continue
		}
		if l, ok := st.labels[kind][k.target]; ok {
			ls = append(ls, linked{pos: pos, label: l})
		}
	}
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].pos != ls[j].pos {
			return ls[i].pos < ls[j].pos
		}
		return ls[i].label.ID < ls[j].label.ID
	})
	out := make([]searchsync.Label, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.label)
	}
	return out
}

// capture enqueues t through the merge path when it is not nil.
func (s *Store) capture(st *state, w *wakeups, t *searchsync.Task) error {
	if t == nil {
		return nil
	}
	_, err := s.enqueue(st, w, t)
	return err
}

// PutUser inserts or updates a user. Updating a display field queues a
// resync of the items the user owns.
func (s *Store) PutUser(ctx context.Context, u searchsync.User) error {
	return s.do(ctx, func(st *state, w *wakeups) error {
		before, existed := st.users[u.ID]
		st.users[u.ID] = u
		if !existed {
			return nil
		}
		return s.capture(st, w, searchsync.CaptureMaster(searchsync.MasterOwner, u.ID,
			userFields(before), userFields(u), len(st.affected(searchsync.MasterOwner, u.ID))))
	})
}

// DeleteUser removes a user and detaches it from the items it owned.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.do(ctx, func(st *state, w *wakeups) error {
		if _, ok := st.users[id]; !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		for _, itemID := range st.affected(searchsync.MasterOwner, id) {
			it := st.items[itemID]
			it.OwnerID = ""
			st.items[itemID] = it
			if err := s.capture(st, w, searchsync.CaptureEntity(itemID, searchsync.ChangeUpdate)); err != nil {
				return err
			}
		}
		delete(st.users, id)
		return nil
	})
}

// PutFile inserts or updates a file. Changing its URL or mime type queues a
// resync of every item using it as cover or gallery entry.
func (s *Store) PutFile(ctx context.Context, f searchsync.File) error {
	return s.do(ctx, func(st *state, w *wakeups) error {
		before, existed := st.files[f.ID]
		st.files[f.ID] = f
		if !existed {
			return nil
		}
		return s.capture(st, w, searchsync.CaptureMaster(searchsync.MasterFile, f.ID,
			fileFields(before), fileFields(f), len(st.affected(searchsync.MasterFile, f.ID))))
	})
}

// DeleteFile removes a file. Items using it as cover lose the cover; gallery
// entries referencing it stay and resolve to an empty URL. Every affected
// item is queued.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	return s.do(ctx, func(st *state, w *wakeups) error {
		if _, ok := st.files[id]; !ok {
			return fmt.Errorf("%w: file %s", ErrNotFound, id)
		}
		for _, itemID := range st.affected(searchsync.MasterFile, id) {
			it := st.items[itemID]
			if it.CoverFileID == id {
				it.CoverFileID = ""
				st.items[itemID] = it
			}
			if err := s.capture(st, w, searchsync.CaptureEntity(itemID, searchsync.ChangeUpdate)); err != nil {
				return err
			}
		}
		delete(st.files, id)
		return nil
	})
}

// PutLabel inserts or updates a category, tag or variant.
func (s *Store) PutLabel(ctx context.Context, kind searchsync.MasterKind, l searchsync.Label) error {
	if !isLabelKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s.do(ctx, func(st *state, w *wakeups) error {
		before, existed := st.labels[kind][l.ID]
		st.labels[kind][l.ID] = l
		if !existed {
			return nil
		}
		return s.capture(st, w, searchsync.CaptureMaster(kind, l.ID,
			labelFields(before), labelFields(l), len(st.affected(kind, l.ID))))
	})
}

// DeleteLabel removes a label and its links. Each unlinked item is queued.
func (s *Store) DeleteLabel(ctx context.Context, kind searchsync.MasterKind, id string) error {
	if !isLabelKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s.do(ctx, func(st *state, w *wakeups) error {
		if _, ok := st.labels[kind][id]; !ok {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		for _, itemID := range st.affected(kind, id) {
			delete(st.links[kind], linkKey{item: itemID, target: id})
			if err := s.capture(st, w, searchsync.CaptureLink(linkTables[kind], itemID, searchsync.ChangeDelete)); err != nil {
				return err
			}
		}
		delete(st.labels[kind], id)
		return nil
	})
}

// PutItem inserts or updates an item and queues its rebuild.
func (s *Store) PutItem(ctx context.Context, it searchsync.Item) error {
	return s.do(ctx, func(st *state, w *wakeups) error {
		op := searchsync.ChangeInsert
		if _, ok := st.items[it.ID]; ok {
			op = searchsync.ChangeUpdate
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = s.now()
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = it.CreatedAt
		}
		it.Authors = append([]string(nil), it.Authors...)
		it.Gallery = append([]searchsync.MediaRef(nil), it.Gallery...)
		st.items[it.ID] = it
		return s.capture(st, w, searchsync.CaptureEntity(it.ID, op))
	})
}

// DeleteItem removes an item with its links and queues the removal of its
// projection row.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	return s.do(ctx, func(st *state, w *wakeups) error {
		if _, ok := st.items[id]; !ok {
			return fmt.Errorf("%w: item %s", ErrNotFound, id)
		}
		for _, kind := range labelKinds {
			for k := range st.links[kind] {
				if k.item == id {
					delete(st.links[kind], k)
				}
			}
		}
		delete(st.items, id)
		return s.capture(st, w, searchsync.CaptureEntity(id, searchsync.ChangeDelete))
	})
}

// Link attaches a label to an item at position, replacing an existing link.
func (s *Store) Link(ctx context.Context, kind searchsync.MasterKind, itemID, targetID string, position int) error {
	if !isLabelKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s.do(ctx, func(st *state, w *wakeups) error {
		if _, ok := st.items[itemID]; !ok {
			return fmt.Errorf("%w: item %s", ErrNotFound, itemID)
		}
		if _, ok := st.labels[kind][targetID]; !ok {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, targetID)
		}
		k := linkKey{item: itemID, target: targetID}
		op := searchsync.ChangeInsert
		if _, ok := st.links[kind][k]; ok {
			op = searchsync.ChangeUpdate
		}
		st.links[kind][k] = position
		return s.capture(st, w, searchsync.CaptureLink(linkTables[kind], itemID, op))
	})
}

// Unlink detaches a label from an item.
func (s *Store) Unlink(ctx context.Context, kind searchsync.MasterKind, itemID, targetID string) error {
	if !isLabelKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s.do(ctx, func(st *state, w *wakeups) error {
		k := linkKey{item: itemID, target: targetID}
		if _, ok := st.links[kind][k]; !ok {
			return fmt.Errorf("%w: link %s %s->%s", ErrNotFound, kind, itemID, targetID)
		}
		delete(st.links[kind], k)
		return s.capture(st, w, searchsync.CaptureLink(linkTables[kind], itemID, searchsync.ChangeDelete))
	})
}

// Source returns the current joined source of an item, as the builder would
// see it.
func (s *Store) Source(id string) *searchsync.Source {
	var src *searchsync.Source
	_ = s.do(context.Background(), func(st *state, _ *wakeups) error {
		src = st.source(id)
		return nil
	})
	return src
}

// Files returns every file keyed by id.
func (s *Store) Files() map[string]searchsync.File {
	var out map[string]searchsync.File
	_ = s.do(context.Background(), func(st *state, _ *wakeups) error {
		out = copyMap(st.files)
		return nil
	})
	return out
}

func userFields(u searchsync.User) searchsync.MasterFields {
	return searchsync.MasterFields{Name: u.Username, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

func fileFields(f searchsync.File) searchsync.MasterFields {
	return searchsync.MasterFields{URL: f.URL, MimeType: f.MimeType}
}

func labelFields(l searchsync.Label) searchsync.MasterFields {
	return searchsync.MasterFields{Name: l.Name, Slug: l.Slug}
}
