package searchsync

import (
	"context"
	"fmt"
)

// Resolution is the set of entity ids a task expands to.
type Resolution struct {
	Upsert []string
	Delete []string
}

// ResolveFunc expands one claimed task into entity ids using tx.
type ResolveFunc func(ctx context.Context, tx Tx, t *Task) (Resolution, error)

// ResolveMiddleware wraps a ResolveFunc to provide cross-cutting concerns.
type ResolveMiddleware func(ResolveFunc) ResolveFunc

// Resolvers routes tasks to their resolver based on task type.
type Resolvers struct {
	handlers    map[TaskType]ResolveFunc
	middlewares []ResolveMiddleware
}

// NewResolvers creates a router with the built-in resolvers for every task
// type of the queue vocabulary registered.
func NewResolvers() *Resolvers {
	r := &Resolvers{handlers: make(map[TaskType]ResolveFunc)}
	r.Handle(TypeEntityUpdate, resolveEntity)
	for _, tt := range AggregateTypes {
		kind, _ := MasterForType(tt)
		r.Handle(tt, resolveAggregate(kind))
	}
	return r
}

// Handle registers fn for a task type, replacing any previous resolver.
func (r *Resolvers) Handle(tt TaskType, fn ResolveFunc) {
	r.handlers[tt] = fn
}

// Use adds middleware. Middlewares are executed in the order they are added.
func (r *Resolvers) Use(mw ResolveMiddleware) {
	r.middlewares = append(r.middlewares, mw)
}

// Resolve expands t. Unknown task types fail with ErrUnknownTaskType.
func (r *Resolvers) Resolve(ctx context.Context, tx Tx, t *Task) (Resolution, error) {
	h, ok := r.handlers[t.Type]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}
	return h(ctx, tx, t)
}

func resolveEntity(_ context.Context, _ Tx, t *Task) (Resolution, error) {
	if t.EntityID == "" {
		return Resolution{}, fmt.Errorf("%w: entity_update without entity_id", ErrInvalidTask)
	}
	if t.Operation == OpDelete {
		return Resolution{Delete: []string{t.EntityID}}, nil
	}
	return Resolution{Upsert: []string{t.EntityID}}, nil
}

func resolveAggregate(kind MasterKind) ResolveFunc {
	return func(ctx context.Context, tx Tx, t *Task) (Resolution, error) {
		if t.TargetID == "" {
			return Resolution{}, fmt.Errorf("%w: %s without target_id", ErrInvalidTask, t.Type)
		}
		SetDetail(ctx, "target_kind", string(kind))
		ids, err := tx.AffectedEntities(ctx, kind, t.TargetID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve %s %s: %w", t.Type, t.TargetID, err)
		}
		return Resolution{Upsert: ids}, nil
	}
}
