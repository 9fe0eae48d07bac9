// Package target tracks the browser's targets and owns the flattened
// protocol session attached to each of them.
//
// Targets enter and leave the set strictly through lifecycle events from the
// browser. The manager only requests attach and detach; the browser confirms
// them. A destroy event is authoritative and wins over an attach that is
// still in flight.
package target

import (
	"errors"
	"fmt"

	"github.com/grantcarthew/webdrive/internal/cdp"
)

// State is the lifecycle state of a target.
type State int

const (
	StateDiscovered State = iota
	StateAttaching
	StateAttached
	StateDetaching
	StateGone
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	case StateGone:
		return "gone"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("target manager closed")

	// ErrUnknownTarget is returned for a target id the manager has never seen.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrNotAttached is returned when detaching a target without a session.
	ErrNotAttached = errors.New("target not attached")

	// errDetached ends a session whose target still exists.
	errDetached = fmt.Errorf("%w: session detached", cdp.ErrTargetGone)
)

// Target is a snapshot of a tracked target.
type Target struct {
	ID       string
	Type     string
	URL      string
	Title    string
	OpenerID string
	State    State

	// Session is set while the target is attached.
	Session *cdp.Session
}

// Info is the TargetInfo object carried by Target domain events.
type Info struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	OpenerID         string `json:"openerId,omitempty"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// entry is the manager's record for one live target. Guarded by Manager.mu.
type entry struct {
	info    Info
	state   State
	session *cdp.Session

	// gen counts attach attempts so a stale failure cannot reset a newer one.
	gen uint64
	err error // last attach failure

	// changed is closed and replaced on every state transition.
	changed chan struct{}
}

func newEntry(info Info) *entry {
	return &entry{info: info, state: StateDiscovered, changed: make(chan struct{})}
}

func (e *entry) snapshot() Target {
	t := Target{
		ID:       e.info.TargetID,
		Type:     e.info.Type,
		URL:      e.info.URL,
		Title:    e.info.Title,
		OpenerID: e.info.OpenerID,
		State:    e.state,
	}
	if e.state == StateAttached {
		t.Session = e.session
	}
	return t
}
