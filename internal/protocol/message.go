// Package protocol defines the framed JSON messages exchanged between the
// agent and its background worker.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/types"
)

// Type names a message.
type Type string

// Requests sent by the agent.
const (
	TypePing           Type = "PING"
	TypeStatus         Type = "STATUS"
	TypeQueueEnqueue   Type = "QUEUE_ENQUEUE"
	TypeQueueGet       Type = "QUEUE_GET"
	TypeQueueList      Type = "QUEUE_LIST"
	TypeQueueStats     Type = "QUEUE_STATS"
	TypeQueueRetry     Type = "QUEUE_RETRY"
	TypeQueueDelete    Type = "QUEUE_DELETE"
	TypeSyncDrain      Type = "SYNC_DRAIN"
	TypeCacheRefresh   Type = "CACHE_REFRESH"
	TypeCacheGet       Type = "CACHE_GET"
	TypeCacheList      Type = "CACHE_LIST"
	TypeCacheStatus    Type = "CACHE_STATUS"
	TypeCacheClear     Type = "CACHE_CLEAR"
	TypeSettingGet     Type = "SETTING_GET"
	TypeSettingSet     Type = "SETTING_SET"
	TypeSnapshotExport Type = "SNAPSHOT_EXPORT"
)

// Replies. Both echo the request id.
const (
	TypeSuccess Type = "SUCCESS"
	TypeError   Type = "ERROR"
)

// Unsolicited events. They carry no id.
const (
	TypeReady          Type = "READY"
	TypeCrash          Type = "CRASH"
	TypeSyncCompleted  Type = "SYNC_COMPLETED"
	TypeSyncFailed     Type = "SYNC_FAILED"
	TypeCacheRefreshed Type = "CACHE_REFRESHED"
)

// IsEvent reports whether t is an unsolicited event.
func (t Type) IsEvent() bool {
	switch t {
	case TypeReady, TypeCrash, TypeSyncCompleted, TypeSyncFailed, TypeCacheRefreshed:
		return true
	}
	return false
}

// IsReply reports whether t answers a request.
func (t Type) IsReply() bool {
	return t == TypeSuccess || t == TypeError
}

// Message is one frame on the wire.
type Message struct {
	Type    Type            `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message. A nil payload is omitted.
func NewMessage(t Type, id int64, payload any) (Message, error) {
	msg := Message{Type: t, ID: id}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ErrorPayload is the body of an ERROR reply.
type ErrorPayload struct {
	Kind    fault.Kind `json:"kind"`
	Op      string     `json:"op,omitempty"`
	Message string     `json:"message"`
}

// ErrorFrom classifies err for the wire.
func ErrorFrom(err error) ErrorPayload {
	var fe *fault.Error
	p := ErrorPayload{Kind: fault.KindOf(err), Message: fault.Message(err)}
	if errors.As(err, &fe) {
		p.Op = fe.Op
	}
	return p
}

// Err turns the payload back into a classified error.
func (p ErrorPayload) Err() error {
	kind := p.Kind
	if !kind.Valid() {
		kind = fault.KindInternal
	}
	return fault.New(kind, p.Op, p.Message)
}

// Request payloads.
type (
	EnqueueRequest = types.NewWrite

	EnqueueResult struct {
		Write   *types.QueuedWrite `json:"write"`
		Created bool               `json:"created"`
	}

	IDRequest struct {
		LocalID int64 `json:"local_id"`
	}

	CacheGetRequest struct {
		Table string `json:"table"`
		Key   string `json:"key"`
	}

	CacheListRequest struct {
		Table  string            `json:"table"`
		Filter types.CacheFilter `json:"filter"`
	}

	// CacheRefreshRequest names the tables to refresh; empty means all.
	CacheRefreshRequest struct {
		Tables []string `json:"tables,omitempty"`
	}

	SettingRequest struct {
		Key   string `json:"key"`
		Value string `json:"value,omitempty"`
	}

	SettingResult struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}

	SnapshotRequest struct {
		Upload bool `json:"upload"`
	}

	SnapshotResult struct {
		Path        string `json:"path"`
		Uploaded    bool   `json:"uploaded"`
		Key         string `json:"key,omitempty"`
		UploadError string `json:"upload_error,omitempty"`
		Bytes       int64  `json:"bytes"`
		// DownloadURL is a pre-signed link to the uploaded object, valid
		// until URLExpiresAt.
		DownloadURL  string     `json:"download_url,omitempty"`
		URLExpiresAt *time.Time `json:"url_expires_at,omitempty"`
	}
)

// Event payloads.
type (
	ReadyPayload struct {
		SchemaVersion int    `json:"schema_version"`
		Recovery      string `json:"recovery,omitempty"`
		Requeued      int64  `json:"requeued"`
		TerminalID    string `json:"terminal_id,omitempty"`
	}

	CrashPayload struct {
		Reason string `json:"reason"`
	}

	SyncFailedPayload struct {
		Error ErrorPayload `json:"error"`
	}
)
