package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaynote/internal/channel"
)

const (
	defaultChatWindow = 2 * time.Second
	chatHistory       = 64
)

// chatDeduper drops a chat message seen before: same id, or same author and
// content within window of an earlier one. The local echo of a sent message
// and its server broadcast collapse into one delivery.
type chatDeduper struct {
	mu     sync.Mutex
	window time.Duration
	recent []channel.ChatMessage
}

func newChatDeduper(window time.Duration) *chatDeduper {
	if window <= 0 {
		window = defaultChatWindow
	}
	return &chatDeduper{window: window}
}

// admit records msg and reports whether it is new.
func (d *chatDeduper) admit(msg channel.ChatMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, seen := range d.recent {
		if msg.ID != "" && seen.ID == msg.ID {
			return false
		}
		if seen.UserID == msg.UserID && seen.UserEmail == msg.UserEmail && seen.Content == msg.Content {
			gap := msg.SentAt.Sub(seen.SentAt)
			if gap < 0 {
				gap = -gap
			}
			if gap <= d.window {
				return false
			}
		}
	}
	d.recent = append(d.recent, msg)
	if len(d.recent) > chatHistory {
		d.recent = append(d.recent[:0], d.recent[len(d.recent)-chatHistory:]...)
	}
	return true
}

// SendChat delivers content locally and sends it to the room.
func (c *Controller) SendChat(ctx context.Context, content string) (channel.ChatMessage, error) {
	ch, _, err := c.joinedChannel("chat")
	if err != nil {
		return channel.ChatMessage{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return channel.ChatMessage{}, errors.New("chat message is empty")
	}
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	msg := channel.ChatMessage{ID: c.newID(), Content: content, SentAt: c.now()}
	if identity != nil {
		msg.UserID = identity.UserID
		msg.UserEmail = identity.UserEmail
	}
	c.deliverChat(msg)
	if err := ch.Emit(ctx, channel.RequestChatMessage, msg); err != nil {
		return msg, fmt.Errorf("send chat: %w", err)
	}
	return msg, nil
}

func (c *Controller) receiveChat(msg channel.ChatMessage) {
	if msg.SentAt.IsZero() {
		msg.SentAt = c.now()
	}
	c.deliverChat(msg)
}

func (c *Controller) deliverChat(msg channel.ChatMessage) {
	if !c.chat.admit(msg) {
		return
	}
	if c.onChat != nil {
		c.onChat(msg)
	}
}
