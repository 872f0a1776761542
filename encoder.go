package searchsync

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder converts queue metadata, projection documents and cached snapshots
// to and from bytes.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder writes with encoding/json and reads with sonic. Writes stay
// byte-compatible with what Postgres jsonb and Redis consumers expect.
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (*JSONEncoder) Decode(data []byte, v any) error { return sonic.Unmarshal(data, v) }

// DefaultEncoder is used by stores and caches built without an explicit one.
var DefaultEncoder Encoder = &JSONEncoder{}
