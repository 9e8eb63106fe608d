package protocol

import (
	"encoding/json"
)

// fallbacks are the deterministic answers given for read-style requests
// when the worker is unavailable.
var fallbacks = map[Type]json.RawMessage{
	TypeStatus:      json.RawMessage(`{"ready":false,"schema_version":0,"queue":{"pending":0,"syncing":0,"synced":0,"failed":0},"draining":false}`),
	TypeQueueList:   json.RawMessage(`[]`),
	TypeQueueStats:  json.RawMessage(`{"pending":0,"syncing":0,"synced":0,"failed":0}`),
	TypeQueueGet:    json.RawMessage(`null`),
	TypeCacheGet:    json.RawMessage(`null`),
	TypeCacheList:   json.RawMessage(`[]`),
	TypeCacheStatus: json.RawMessage(`{"schema_version":0,"tables":[]}`),
	TypeSettingGet:  json.RawMessage(`null`),
}

// DefaultFor returns the degraded-mode result for t. ok is false for
// write-style requests, which must fail instead.
func DefaultFor(t Type) (json.RawMessage, bool) {
	p, ok := fallbacks[t]
	if !ok {
		return nil, false
	}
	out := make(json.RawMessage, len(p))
	copy(out, p)
	return out, true
}

// IsReadOnly reports whether t has a degraded-mode default.
func IsReadOnly(t Type) bool {
	_, ok := fallbacks[t]
	return ok
}
