// Package keys centralizes Redis key and channel construction.
// It is kept in internal to avoid leaking key formats to public API.
package keys

// Deployment holds all precomputed keys for a deployment name.
type Deployment struct {
	// Wakeup is the pub/sub channel workers of the deployment listen on.
	Wakeup string
	// Health holds the cached health snapshot of the deployment.
	Health string
	prefix string
}

// For returns a set of precomputed keys for the provided deployment.
func For(name string) Deployment {
	prefix := "searchsync:{" + name + "}:"
	return Deployment{
		Wakeup: prefix + "wakeup",
		Health: prefix + "health",
		prefix: prefix,
	}
}

// Worker returns the key holding the last batch of one worker.
func (d Deployment) Worker(workerID string) string { return d.prefix + "worker:" + workerID }
