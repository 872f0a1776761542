package searchsync

import "errors"

// ErrUnknownTaskType is returned when a task carries a type no resolver handles.
var ErrUnknownTaskType = errors.New("searchsync: unknown task type")

// ErrUnknownStatus is returned when an invalid status is used.
var ErrUnknownStatus = errors.New("searchsync: unknown status")

// ErrTargetNotFound is returned when an aggregate task references a master record that no longer exists.
var ErrTargetNotFound = errors.New("searchsync: aggregate target not found")

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = errors.New("searchsync: task not found")

// ErrClaimedTask is returned when an operation is not allowed on a task held by a worker.
var ErrClaimedTask = errors.New("searchsync: operation not allowed on claimed task")

// ErrNotDead is returned by RetryDead for tasks that still have retry budget.
var ErrNotDead = errors.New("searchsync: task is not dead")

// ErrInvalidTask is returned when a task is missing the identifier its type requires.
var ErrInvalidTask = errors.New("searchsync: invalid task")

// ErrBusy is returned by forced processing while another batch is in flight on the same worker.
var ErrBusy = errors.New("searchsync: batch already in flight")
