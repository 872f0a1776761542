package searchsync

// ChangeOp is the kind of row mutation seen by a change-capture trigger.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// MasterKind names a reference table whose display fields are embedded in
// projection rows.
type MasterKind string

const (
	MasterCategory MasterKind = "categories"
	MasterTag      MasterKind = "tags"
	MasterVariant  MasterKind = "variants"
	MasterOwner    MasterKind = "users"
	MasterFile     MasterKind = "files"
)

// ResyncType returns the aggregate task type used when a record of this kind changes.
func (k MasterKind) ResyncType() TaskType {
	switch k {
	case MasterCategory:
		return TypeResyncCategory
	case MasterTag:
		return TypeResyncTag
	case MasterVariant:
		return TypeResyncVariant
	case MasterOwner:
		return TypeResyncOwner
	case MasterFile:
		return TypeResyncFile
	}
	return ""
}

// MasterForType is the inverse of MasterKind.ResyncType.
func MasterForType(t TaskType) (MasterKind, bool) {
	switch t {
	case TypeResyncCategory:
		return MasterCategory, true
	case TypeResyncTag:
		return MasterTag, true
	case TypeResyncVariant:
		return MasterVariant, true
	case TypeResyncOwner:
		return MasterOwner, true
	case TypeResyncFile:
		return MasterFile, true
	}
	return "", false
}

// CaptureEntity translates a mutation of an items row into a task.
// Deletes are queued at PriorityDelete, inserts and updates at PriorityUpsert.
func CaptureEntity(entityID string, op ChangeOp) *Task {
	t := &Task{
		Type:              TypeEntityUpdate,
		EntityID:          entityID,
		Operation:         OpUpsert,
		Priority:          PriorityUpsert,
		EstimatedAffected: 1,
		MaxRetries:        DefaultMaxRetries,
		Metadata:          map[string]string{"cause": "items:" + string(op)},
	}
	if op == ChangeDelete {
		t.Operation = OpDelete
		t.Priority = PriorityDelete
	}
	return t
}

// CaptureLink translates a mutation of a linking table row into an upsert of
// the owning item. A pending delete for the same item survives the merge.
func CaptureLink(table, entityID string, op ChangeOp) *Task {
	return &Task{
		Type:              TypeEntityUpdate,
		EntityID:          entityID,
		Operation:         OpUpsert,
		Priority:          PriorityUpsert,
		EstimatedAffected: 1,
		MaxRetries:        DefaultMaxRetries,
		Metadata:          map[string]string{"cause": table + ":" + string(op)},
	}
}

// MasterFields are the display-relevant columns of a master record. Only a
// change to one of them makes projection rows stale.
type MasterFields struct {
	Name        string
	Slug        string
	DisplayName string
	AvatarURL   string
	URL         string
	MimeType    string
}

// CaptureMaster translates an update of a master record into an aggregate
// resync task. It returns nil when no display field changed or no item is
// affected.
func CaptureMaster(kind MasterKind, targetID string, before, after MasterFields, affected int) *Task {
	if before == after || affected <= 0 {
		return nil
	}
	return &Task{
		Type:              kind.ResyncType(),
		TargetID:          targetID,
		Operation:         OpUpsert,
		Priority:          PriorityAggregate,
		EstimatedAffected: affected,
		MaxRetries:        DefaultMaxRetries,
		Metadata:          map[string]string{"cause": string(kind) + ":update"},
	}
}
