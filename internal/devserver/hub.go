package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynote/internal/auth"
	"github.com/agentworkforce/relaynote/internal/blockstore"
	"github.com/agentworkforce/relaynote/internal/channel"
	"github.com/agentworkforce/relaynote/internal/presence"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 4 << 20
)

var errUnknownRequest = errors.New("unknown request type")

// peer is one websocket connection in a room.
type peer struct {
	id        string
	room      string
	userID    string
	userEmail string
	ws        *websocket.Conn

	writeMu sync.Mutex

	// Guarded by hub.mu.
	joined   bool
	presence *presence.Record
}

func (p *peer) send(ctx context.Context, frame channel.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, p.ws, frame)
}

type hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*peer
}

func newHub() *hub {
	return &hub{rooms: map[string]map[string]*peer{}}
}

func (h *hub) add(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.rooms[p.room]
	if !ok {
		peers = map[string]*peer{}
		h.rooms[p.room] = peers
	}
	peers[p.id] = p
}

func (h *hub) remove(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.rooms[p.room]
	delete(peers, p.id)
	if len(peers) == 0 {
		delete(h.rooms, p.room)
	}
}

// others returns the joined peers of room except skip.
func (h *hub) others(room string, skip *peer) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*peer, 0, len(h.rooms[room]))
	for _, p := range h.rooms[room] {
		if p != skip && p.joined {
			out = append(out, p)
		}
	}
	return out
}

func (h *hub) setJoined(p *peer, joined bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p.joined = joined
	if !joined {
		p.presence = nil
	}
}

// setPresence stores p's cursor and returns the notebook it left, if any.
func (h *hub) setPresence(p *peer, state presence.State, now time.Time) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := ""
	if p.presence != nil && p.presence.NotebookID != state.NotebookID {
		previous = p.presence.NotebookID
	}
	p.presence = &presence.Record{
		ConnectionID:   p.id,
		UserID:         p.userID,
		UserEmail:      p.userEmail,
		NotebookID:     state.NotebookID,
		CursorBlockID:  state.BlockID,
		CursorPosition: state.Cursor,
		UpdatedAt:      now,
	}
	return previous
}

func (h *hub) presenceFor(room, notebookID string) []presence.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []presence.Record{}
	for _, p := range h.rooms[room] {
		if p.presence != nil && p.presence.NotebookID == notebookID {
			out = append(out, *p.presence)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

func (h *hub) presenceNotebook(p *peer) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.presence == nil {
		return ""
	}
	return p.presence.NotebookID
}

func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request, room string, claims auth.Claims) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("accept channel for room %s: %v", room, err)
		return
	}
	ws.SetReadLimit(readLimit)
	p := &peer{
		id:        uuid.NewString(),
		room:      room,
		userID:    claims.UserID,
		userEmail: claims.UserEmail,
		ws:        ws,
	}
	s.hub.add(p)
	s.cfg.Metrics.ConnectionOpened()
	defer func() {
		notebookID := s.hub.presenceNotebook(p)
		s.hub.remove(p)
		s.cfg.Metrics.ConnectionClosed()
		if notebookID != "" {
			s.broadcastAwareness(context.Background(), room, notebookID)
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var frame channel.Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			return
		}
		s.cfg.Metrics.ObserveEvent(frame.Type)
		data, reqErr := s.handleFrame(ctx, p, frame)
		if frame.ID == "" {
			if reqErr != nil {
				_ = s.sendEvent(ctx, p, channel.EventError, channel.ServerError{Code: "bad_request", Message: reqErr.Error()})
			}
			continue
		}
		if err := s.sendAck(ctx, p, frame.ID, data, reqErr); err != nil {
			return
		}
		// The notebook list follows the join acknowledgment so it reaches
		// the listeners bound before joining.
		if frame.Type == channel.RequestJoinRoom && reqErr == nil {
			history := channel.NotebookHistory{Notebooks: s.store.Notebooks(room)}
			if err := s.sendEvent(ctx, p, channel.EventNotebookHistory, history); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, p *peer, frame channel.Frame) (any, error) {
	room := p.room
	switch frame.Type {
	case channel.RequestJoinRoom:
		var req channel.JoinRoom
		if err := decodePayload(frame, &req); err != nil {
			return nil, err
		}
		if req.Room != room {
			return nil, fmt.Errorf("connected to room %s", room)
		}
		s.hub.setJoined(p, true)
		return nil, nil

	case channel.RequestLeaveRoom:
		notebookID := s.hub.presenceNotebook(p)
		s.hub.setJoined(p, false)
		if notebookID != "" {
			s.broadcastAwareness(ctx, room, notebookID)
		}
		return nil, nil
	}

	if !p.joined {
		return nil, errors.New("room not joined")
	}

	switch frame.Type {
	case channel.RequestCreateNotebook:
		var req channel.CreateNotebook
		if err := decodePayload(frame, &req); err != nil {
			return nil, err
		}
		nb, err := s.store.CreateNotebook(room, req.Title)
		if err != nil {
			return nil, err
		}
		s.broadcast(ctx, room, p, channel.EventNotebookCreated, channel.NotebookCreated{Notebook: nb})
		return map[string]any{"notebook": nb}, nil

	case channel.RequestRenameNotebook:
		var req channel.RenameNotebook
		if err := decodePayload(frame, &req); err != nil {
			return nil, err
		}
		nb, err := s.store.RenameNotebook(room, req.NotebookID, req.Title)
		if err != nil {
			return nil, err
		}
		s.broadcast(ctx, room, p, channel.EventNotebookUpdated, channel.NotebookUpdated{Notebook: nb})
		return map[string]any{"notebook": nb}, nil

	case channel.RequestDeleteNotebook:
		var req channel.DeleteNotebook
		if err := decodePayload(frame, &req); err != nil {
			return nil, err
		}
		if err := s.store.DeleteNotebook(room, req.NotebookID); err != nil {
			return nil, err
		}
		s.broadcast(ctx, room, p, channel.EventNotebookDeleted, channel.NotebookDeleted{NotebookID: req.NotebookID})
		return nil, nil

	case channel.RequestCreateBlockAt:
		var req channel.CreateBlockAt
		if err := decodePayload(frame, &req); err != nil {
			return nil, err
		}
		meta, err := s.store.CreateBlock(room, req.NotebookID, req.BlockID, req.Language, req.Position)
		if err != nil {
			return nil, err
		}
		block := blockstore.Block{
			ID:        meta.ID,
			Language:  meta.Language,
			Position:  meta.Position,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
		}
		s.broadcast(ctx, room, p, channel.EventBlockCreated, channel.BlockCreated{NotebookID: req.NotebookID, Block: block})
		return map[string]any{"block": block}, nil

	case channel.RequestMoveBlock:
		var req channel.MoveBlock
		if err := decodePayload(frame, &req); err != nil {
			return nil, err
		}
		position, err := s.store.MoveBlock(room, req.NotebookID, req.BlockID, req.Position)
		if err != nil {
			return nil, err
		}
		s.broadcast(ctx, room, p, channel.EventBlockMoved, channel.BlockMoved{NotebookID: req.NotebookID, BlockID: req.BlockID, Position: position})
		return nil, nil

	case channel.RequestDeleteBlock:
		var req channel.DeleteBlock
		if err := decodePayload(frame, &req); err != nil {
			return nil, err
		}
		if err := s.store.DeleteBlock(room, req.NotebookID, req.BlockID); err != nil {
			return nil, err
		}
		s.broadcast(ctx, room, p, channel.EventBlockDeleted, channel.BlockDeleted{NotebookID: req.NotebookID, BlockID: req.BlockID})
		return nil, nil

	case channel.RequestCRDTUpdate:
		var req channel.CRDTUpdate
		if err := decodePayload(frame, &req); err != nil {
			return nil, err
		}
		if err := s.store.ApplyUpdate(room, req.NotebookID, req.Update); err != nil {
			return nil, err
		}
		s.broadcast(ctx, room, p, channel.EventCRDTUpdate, req)
		return nil, nil

	case channel.RequestSetPresence:
		var req presence.State
		if err := decodePayload(frame, &req); err != nil {
			return nil, err
		}
		if req.NotebookID == "" {
			return nil, errors.New("presence needs a notebook")
		}
		if previous := s.hub.setPresence(p, req, time.Now().UTC()); previous != "" {
			s.broadcastAwareness(ctx, room, previous)
		}
		s.broadcastAwareness(ctx, room, req.NotebookID)
		return nil, nil

	case channel.RequestChatMessage:
		var msg channel.ChatMessage
		if err := decodePayload(frame, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		msg.UserID, msg.UserEmail = p.userID, p.userEmail
		if msg.SentAt.IsZero() {
			msg.SentAt = time.Now().UTC()
		}
		s.broadcast(ctx, room, p, channel.EventChatMessage, msg)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownRequest, frame.Type)
}

// broadcastAwareness sends the presence of notebookID to every joined peer
// of room, the sender included.
func (s *Server) broadcastAwareness(ctx context.Context, room, notebookID string) {
	records := s.hub.presenceFor(room, notebookID)
	s.broadcast(ctx, room, nil, channel.EventAwarenessUpdate, channel.AwarenessUpdate{NotebookID: notebookID, Records: records})
}

func (s *Server) broadcast(ctx context.Context, room string, skip *peer, kind string, payload any) {
	frame, err := channel.EncodeFrame(kind, "", payload)
	if err != nil {
		s.logf("encode %s: %v", kind, err)
		return
	}
	for _, p := range s.hub.others(room, skip) {
		if err := p.send(ctx, frame); err != nil {
			s.logf("send %s to %s: %v", kind, p.id, err)
		}
	}
}

func (s *Server) sendEvent(ctx context.Context, p *peer, kind string, payload any) error {
	frame, err := channel.EncodeFrame(kind, "", payload)
	if err != nil {
		return err
	}
	return p.send(ctx, frame)
}

func (s *Server) sendAck(ctx context.Context, p *peer, id string, data any, reqErr error) error {
	ack := channel.AckPayload{OK: reqErr == nil}
	if reqErr != nil {
		ack.Error = reqErr.Error()
	} else if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		ack.Data = raw
	}
	raw, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return p.send(ctx, channel.Frame{Type: channel.EventAck, AckID: id, Payload: raw})
}

func decodePayload(frame channel.Frame, dst any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		return fmt.Errorf("%s: %w", frame.Type, err)
	}
	return nil
}
