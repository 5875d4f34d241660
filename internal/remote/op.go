package remote

import "time"

// OpKind is the kind of remote mutation
type OpKind string

const (
	OpSet      OpKind = "set"       // full overwrite
	OpSetMerge OpKind = "set_merge" // shallow merge into existing document
)

// WriteOperation is one mutation against the remote document store. Paths
// are computed purely from identifying fields so that retried writes land on
// the same document.
type WriteOperation struct {
	Kind OpKind
	Path string
	Data map[string]any
}

// serverTimestamp marks a field to be filled with the write time by the
// concrete client.
type serverTimestamp struct{}

// ServerTimestamp is the sentinel value for server-assigned write timestamps.
var ServerTimestamp = serverTimestamp{}

// resolveSentinels returns a copy of data with timestamp sentinels replaced.
func resolveSentinels(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now.UTC().Format(time.RFC3339Nano)
			continue
		}
		out[k] = v
	}
	return out
}
