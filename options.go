package searchsync

type options struct {
	id          string
	priority    int
	prioritySet bool
	maxRetries  int
	estimate    int
	operation   Operation
	metadata    map[string]string
}

// Option is a function that configures a task created through Client.Enqueue.
type Option func(*options)

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Priority overrides the default priority of the task type. Values are clamped into [0,10].
func Priority(p int) Option {
	return func(o *options) {
		o.priority = ClampPriority(p)
		o.prioritySet = true
	}
}

// MaxRetries sets the retry budget of the task.
func MaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// Estimate sets the estimated number of affected entities.
func Estimate(n int) Option {
	return func(o *options) {
		o.estimate = n
	}
}

// AsDelete requests removal of the entity from the projection. Only
// meaningful for entity_update tasks.
func AsDelete() Option {
	return func(o *options) {
		o.operation = OpDelete
	}
}

// Meta attaches a metadata entry, e.g. a human readable cause.
func Meta(key, value string) Option {
	return func(o *options) {
		if o.metadata == nil {
			o.metadata = make(map[string]string)
		}
		o.metadata[key] = value
	}
}
