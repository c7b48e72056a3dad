// Package sync contains the synchronization core: change detection on the
// watched side, the snapshot diff for remote polling, and the engine that
// turns change events into transfers.
package sync

import (
	"context"
	"fmt"

	"github.com/dfirvault/sftpmonitor/internal/transport"
)

// Origin marks which side of the sync produced an event.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// EventKind is the normalized change type.
type EventKind int

const (
	KindCreated EventKind = iota
	KindModified
	KindDeleted
)

func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	default:
		return "deleted"
	}
}

// ChangeEvent is one detected change on the watched side. Immutable once
// created.
type ChangeEvent struct {
	Path   string // root-relative, forward slashes
	Kind   EventKind
	Origin Origin
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s (%s)", e.Kind, e.Path, e.Origin)
}

// Action is the transfer operation derived from an event and the mode.
type Action int

const (
	ActionUpload Action = iota
	ActionDownload
	ActionDeleteRemote
	ActionDeleteLocal
	ActionMakeDirRemote
	ActionMakeDirLocal
)

func (a Action) String() string {
	switch a {
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionDeleteRemote:
		return "delete-remote"
	case ActionDeleteLocal:
		return "delete-local"
	case ActionMakeDirRemote:
		return "mkdir-remote"
	default:
		return "mkdir-local"
	}
}

// TransferTask is one unit of work, owned by the engine from creation until
// completion or terminal failure. Never persisted; a restart runs a full
// reconciliation pass instead.
type TransferTask struct {
	Path    string
	Action  Action
	Attempt int
}

// sessionRunner is the part of the session manager the sync core uses.
// Tests substitute an in-memory implementation.
type sessionRunner interface {
	Do(ctx context.Context, op func(transport.Transport) error) error
}
