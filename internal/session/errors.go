package session

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/agentworkforce/relaynote/internal/channel"
)

var (
	ErrConnection       = errors.New("connection failed")
	ErrNotConnected     = errors.New("not connected")
	ErrNotJoined        = errors.New("room not joined")
	ErrNotebookLoad     = errors.New("notebook load failed")
	ErrSwitchSuperseded = errors.New("notebook switch superseded by a later switch")
	ErrNoActiveNotebook = errors.New("no active notebook")
)

// ConnectionError is fatal to the session. It is never retried
// automatically.
type ConnectionError struct {
	Room string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to room %s: %v", e.Room, e.Err)
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the server refused the credentials.
func (e *ConnectionError) Unauthorized() bool {
	var herr *channel.HandshakeError
	if errors.As(e.Err, &herr) {
		return herr.StatusCode == http.StatusUnauthorized || herr.StatusCode == http.StatusForbidden
	}
	return false
}

// NotJoinedError guards notebook operations attempted before the join
// acknowledgment arrived.
type NotJoinedError struct {
	Op string
}

func (e *NotJoinedError) Error() string {
	return fmt.Sprintf("%s: room not joined", e.Op)
}

func (e *NotJoinedError) Is(target error) bool {
	return target == ErrNotJoined
}

// Load steps reported by NotebookLoadError.
const (
	StepFetchState  = "fetch-state"
	StepFetchBlocks = "fetch-blocks"
	StepMergeState  = "merge-state"
)

// NotebookLoadError is a failed switch. The previously active notebook is
// still the active one and the switch may be retried.
type NotebookLoadError struct {
	NotebookID string
	Step       string
	Err        error
}

func (e *NotebookLoadError) Error() string {
	return fmt.Sprintf("load notebook %s (%s): %v", e.NotebookID, e.Step, e.Err)
}

func (e *NotebookLoadError) Is(target error) bool {
	return target == ErrNotebookLoad
}

func (e *NotebookLoadError) Unwrap() error {
	return e.Err
}
