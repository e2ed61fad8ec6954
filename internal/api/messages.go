package api

import (
	"encoding/json"

	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/selection"
	"github.com/matheus3301/inbox/internal/status"
)

// ListRequest asks for the visible list. A non-nil Filter replaces the
// active filter first.
type ListRequest struct {
	Filter *conversation.Filter `json:"filter,omitempty"`
}

// ListResponse is the filtered view of the loaded window.
type ListResponse struct {
	Records       []conversation.Record `json:"records"`
	Filter        conversation.Filter   `json:"filter"`
	State         status.State          `json:"state"`
	CanLoadMore   bool                  `json:"can_load_more"`
	IsLoadingMore bool                  `json:"is_loading_more"`
	TotalUnread   int                   `json:"total_unread"`
	Loaded        int                   `json:"loaded"`
	Version       uint64                `json:"version"`
}

type LoadMoreRequest struct{}

type LoadMoreResponse struct {
	More bool         `json:"more"`
	List ListResponse `json:"list"`
}

type ReloadRequest struct{}

type MutateRequest struct {
	Mutation outbox.Mutation `json:"mutation"`
}

// MutateResponse carries the write backing the optimistic change. Its
// outcome arrives later as a mutation.* event on Watch.
type MutateResponse struct {
	Write outbox.Write `json:"write"`
}

// SelectAction names a selection change.
type SelectAction string

const (
	SelectToggle SelectAction = "toggle"
	SelectAll    SelectAction = "all"
	SelectClear  SelectAction = "clear"
	SelectState  SelectAction = "state"
)

type SelectRequest struct {
	Action SelectAction `json:"action"`
	ID     string       `json:"id,omitempty"`
}

type SelectResponse struct {
	Selected bool            `json:"selected,omitempty"`
	State    selection.State `json:"state"`
}

// ApplyBatchRequest applies one mutation to every selected conversation.
// The mutation's ThreadID is ignored.
type ApplyBatchRequest struct {
	Mutation outbox.Mutation `json:"mutation"`
}

type ApplyBatchResponse struct {
	Targets []string       `json:"targets"`
	Writes  []outbox.Write `json:"writes"`
	Error   string         `json:"error,omitempty"`
}

type RetryWriteRequest struct {
	ID string `json:"id"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Session      string         `json:"session"`
	Transport    status.State   `json:"transport"`
	View         status.State   `json:"view"`
	PhoneNumber  string         `json:"phone_number,omitempty"`
	Loaded       int            `json:"loaded"`
	TotalUnread  int            `json:"total_unread"`
	FailedWrites []outbox.Write `json:"failed_writes,omitempty"`
	UptimeMs     int64          `json:"uptime_ms"`
}

// WatchRequest selects bus kinds by prefix. Empty means DefaultWatchPrefixes.
type WatchRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
}

// WatchEvent is one bus event with its payload encoded as JSON.
type WatchEvent struct {
	ID         string          `json:"id"`
	Session    string          `json:"session"`
	Kind       string          `json:"kind"`
	OccurredAt int64           `json:"occurred_at_unix_ms"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
