package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/relaynote/internal/blockstore"
	"github.com/agentworkforce/relaynote/internal/directory"
	"github.com/agentworkforce/relaynote/internal/presence"
)

// Server to client event names.
const (
	EventNotebookHistory = "notebook-history"
	EventNotebookCreated = "notebook:created"
	EventNotebookUpdated = "notebook:updated"
	EventNotebookDeleted = "notebook:deleted"
	EventAwarenessUpdate = "awareness-update"
	EventError           = "error"
	EventCRDTUpdate      = "crdt-update"
	EventBlockCreated    = "block:created"
	EventBlockMoved      = "block:moved"
	EventBlockDeleted    = "block:deleted"
	EventChatMessage     = "chat:message"
	EventAck             = "ack"
)

// Client to server request names.
const (
	RequestJoinRoom       = "join-room"
	RequestLeaveRoom      = "leave-room"
	RequestCreateNotebook = "create-notebook"
	RequestRenameNotebook = "rename-notebook"
	RequestDeleteNotebook = "delete-notebook"
	RequestMoveBlock      = "move-block"
	RequestCreateBlockAt  = "create-block-at"
	RequestDeleteBlock    = "delete-block"
	RequestSetPresence    = "set-presence"
	RequestCRDTUpdate     = EventCRDTUpdate
	RequestChatMessage    = EventChatMessage
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AckPayload struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is one decoded server event. The concrete type identifies the variant.
type Event interface {
	EventName() string
}

type NotebookHistory struct {
	Notebooks []directory.Notebook `json:"notebooks"`
}

type NotebookCreated struct {
	Notebook directory.Notebook `json:"notebook"`
}

type NotebookUpdated struct {
	Notebook directory.Notebook `json:"notebook"`
}

type NotebookDeleted struct {
	NotebookID string `json:"notebookId"`
}

type AwarenessUpdate struct {
	NotebookID string            `json:"notebookId"`
	Records    []presence.Record `json:"records"`
}

type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CRDTUpdate carries an encoded document update. Update is base64 on the wire.
type CRDTUpdate struct {
	NotebookID string `json:"notebookId"`
	Update     []byte `json:"update"`
	Origin     string `json:"origin,omitempty"`
}

type BlockCreated struct {
	NotebookID string           `json:"notebookId"`
	Block      blockstore.Block `json:"block"`
	Origin     string           `json:"origin,omitempty"`
}

type BlockMoved struct {
	NotebookID string `json:"notebookId"`
	BlockID    string `json:"blockId"`
	Position   int    `json:"position"`
	Origin     string `json:"origin,omitempty"`
}

type BlockDeleted struct {
	NotebookID string `json:"notebookId"`
	BlockID    string `json:"blockId"`
	Origin     string `json:"origin,omitempty"`
}

type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
}

func (NotebookHistory) EventName() string { return EventNotebookHistory }
func (NotebookCreated) EventName() string { return EventNotebookCreated }
func (NotebookUpdated) EventName() string { return EventNotebookUpdated }
func (NotebookDeleted) EventName() string { return EventNotebookDeleted }
func (AwarenessUpdate) EventName() string { return EventAwarenessUpdate }
func (ServerError) EventName() string     { return EventError }
func (CRDTUpdate) EventName() string      { return EventCRDTUpdate }
func (BlockCreated) EventName() string    { return EventBlockCreated }
func (BlockMoved) EventName() string      { return EventBlockMoved }
func (BlockDeleted) EventName() string    { return EventBlockDeleted }
func (ChatMessage) EventName() string     { return EventChatMessage }

// Request payloads.

type JoinRoom struct {
	Room string `json:"room"`
}

type CreateNotebook struct {
	Title string `json:"title"`
}

type RenameNotebook struct {
	NotebookID string `json:"notebookId"`
	Title      string `json:"title"`
}

type DeleteNotebook struct {
	NotebookID string `json:"notebookId"`
}

type MoveBlock struct {
	NotebookID string `json:"notebookId"`
	BlockID    string `json:"blockId"`
	Position   int    `json:"position"`
}

type CreateBlockAt struct {
	NotebookID string `json:"notebookId"`
	BlockID    string `json:"blockId"`
	Language   string `json:"language"`
	Position   int    `json:"position"`
}

type DeleteBlock struct {
	NotebookID string `json:"notebookId"`
	BlockID    string `json:"blockId"`
}

// DecodeEvent turns a validated frame into its event variant.
func DecodeEvent(frame Frame) (Event, error) {
	var ev Event
	switch frame.Type {
	case EventNotebookHistory:
		ev = &NotebookHistory{}
	case EventNotebookCreated:
		ev = &NotebookCreated{}
	case EventNotebookUpdated:
		ev = &NotebookUpdated{}
	case EventNotebookDeleted:
		ev = &NotebookDeleted{}
	case EventAwarenessUpdate:
		ev = &AwarenessUpdate{}
	case EventError:
		ev = &ServerError{}
	case EventCRDTUpdate:
		ev = &CRDTUpdate{}
	case EventBlockCreated:
		ev = &BlockCreated{}
	case EventBlockMoved:
		ev = &BlockMoved{}
	case EventBlockDeleted:
		ev = &BlockDeleted{}
	case EventChatMessage:
		ev = &ChatMessage{}
	default:
		return nil, fmt.Errorf("unknown event type %q", frame.Type)
	}
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch v := ev.(type) {
	case *NotebookHistory:
		return *v
	case *NotebookCreated:
		return *v
	case *NotebookUpdated:
		return *v
	case *NotebookDeleted:
		return *v
	case *AwarenessUpdate:
		return *v
	case *ServerError:
		return *v
	case *CRDTUpdate:
		return *v
	case *BlockCreated:
		return *v
	case *BlockMoved:
		return *v
	case *BlockDeleted:
		return *v
	case *ChatMessage:
		return *v
	}
	return ev
}

// EncodeFrame builds a frame of the given type around payload.
func EncodeFrame(kind, id string, payload any) (Frame, error) {
	frame := Frame{Type: kind, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		frame.Payload = data
	}
	return frame, nil
}
