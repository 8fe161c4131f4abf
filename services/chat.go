// Package services contains the higher-level adapters the manifold backend
// exposes to its consumers.
package services

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"manifold/core"
	"manifold/core/log"
	"manifold/models"
)

// defaultFlushDelay is how long a session's output must stay quiet before
// its buffered PTY output is flushed as one agent message. Agent "turns"
// usually arrive as dozens of small writes; coalescing them costs at most
// this much latency.
const defaultFlushDelay = 300 * time.Millisecond

var (
	// Cursor movement sequences (horizontal position, cursor forward,
	// cursor position) become a single space instead of vanishing, so a
	// mid-line reposition cannot fuse two unrelated words together.
	movementSeqRe = regexp.MustCompile(`\x1b\[[0-9]*(;[0-9]*)?[GCH]`)

	// Remaining CSI sequences, including ?-prefixed private modes.
	csiSeqRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

	// OSC sequences terminated by BEL or ST.
	oscSeqRe = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

	// Character-set selection and keypad mode escapes.
	charsetSeqRe = regexp.MustCompile(`\x1b[()][A-Za-z0-9]`)
	keypadSeqRe  = regexp.MustCompile(`\x1b[=>]`)

	// CSI-looking fragments without the escape byte, left behind when a
	// chunk boundary splits a sequence.
	orphanPrivateRe = regexp.MustCompile(`\[\?[0-9;]*[a-zA-Z]`)
	orphanSGRRe     = regexp.MustCompile(`\[[0-9]+(;[0-9]+)*m`)

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// StripTerminalSequences removes ANSI/terminal control sequences from raw
// PTY output and normalizes whitespace. Already-clean text passes through
// unchanged apart from whitespace collapsing.
func StripTerminalSequences(text string) string {
	text = movementSeqRe.ReplaceAllString(text, " ")
	text = csiSeqRe.ReplaceAllString(text, "")
	text = oscSeqRe.ReplaceAllString(text, "")
	text = charsetSeqRe.ReplaceAllString(text, "")
	text = keypadSeqRe.ReplaceAllString(text, "")
	text = orphanPrivateRe.ReplaceAllString(text, "")
	text = orphanSGRRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r", "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// MessageListener receives every new chat message for a subscribed session.
type MessageListener func(msg models.ChatMessage)

type sessionBuffer struct {
	fragments []string
	timer     *time.Timer
}

// ChatAdapter converts raw PTY output streams into discrete chat messages
// and keeps an append-only per-session message log.
type ChatAdapter struct {
	mu         sync.Mutex
	flushDelay time.Duration
	messages   map[string][]models.ChatMessage
	buffers    map[string]*sessionBuffer
	listeners  map[string]map[int]MessageListener
	nextSubID  int
}

func NewChatAdapter() *ChatAdapter {
	return &ChatAdapter{
		flushDelay: defaultFlushDelay,
		messages:   make(map[string][]models.ChatMessage),
		buffers:    make(map[string]*sessionBuffer),
		listeners:  make(map[string]map[int]MessageListener),
	}
}

// SetFlushDelay overrides the inactivity window. Used by tests.
func (c *ChatAdapter) SetFlushDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushDelay = d
}

// ProcessPtyOutput feeds one raw output chunk into the session's buffer.
// The buffer flushes as a single agent message after the inactivity window
// elapses with no further chunks; every new chunk resets the window. Chunks
// that strip down to nothing are discarded.
func (c *ChatAdapter) ProcessPtyOutput(sessionID, data string) {
	cleaned := StripTerminalSequences(data)
	if cleaned == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[sessionID]
	if !ok {
		buf = &sessionBuffer{}
		c.buffers[sessionID] = buf
	}
	buf.fragments = append(buf.fragments, cleaned)

	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(c.flushDelay, func() {
		c.flushSession(sessionID)
	})
}

// flushSession emits the session's accumulated fragments as one agent
// message.
func (c *ChatAdapter) flushSession(sessionID string) {
	c.mu.Lock()
	buf, ok := c.buffers[sessionID]
	if !ok || len(buf.fragments) == 0 {
		c.mu.Unlock()
		return
	}
	text := strings.Join(buf.fragments, " ")
	delete(c.buffers, sessionID)
	msg := c.appendLocked(sessionID, models.RoleAgent, text)
	listeners := c.snapshotListenersLocked(sessionID)
	c.mu.Unlock()

	for _, l := range listeners {
		l(msg)
	}
}

// AddUserMessage appends a user message immediately, without buffering.
func (c *ChatAdapter) AddUserMessage(sessionID, text string) models.ChatMessage {
	return c.addDirect(sessionID, models.RoleUser, text)
}

// AddSystemMessage appends a system message immediately.
func (c *ChatAdapter) AddSystemMessage(sessionID, text string) models.ChatMessage {
	return c.addDirect(sessionID, models.RoleSystem, text)
}

// AddAgentMessage appends an agent message immediately, bypassing the
// output buffer.
func (c *ChatAdapter) AddAgentMessage(sessionID, text string) models.ChatMessage {
	return c.addDirect(sessionID, models.RoleAgent, text)
}

func (c *ChatAdapter) addDirect(sessionID string, role models.MessageRole, text string) models.ChatMessage {
	c.mu.Lock()
	msg := c.appendLocked(sessionID, role, text)
	listeners := c.snapshotListenersLocked(sessionID)
	c.mu.Unlock()

	for _, l := range listeners {
		l(msg)
	}
	return msg
}

// appendLocked creates and stores a message. MUST be called with the mutex
// held.
func (c *ChatAdapter) appendLocked(sessionID string, role models.MessageRole, text string) models.ChatMessage {
	msg := models.ChatMessage{
		ID:        core.NewID("msg"),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
	c.messages[sessionID] = append(c.messages[sessionID], msg)
	log.Debug("Appended %s message to session %s (%d chars)", role, sessionID, len(text))
	return msg
}

func (c *ChatAdapter) snapshotListenersLocked(sessionID string) []MessageListener {
	subs := c.listeners[sessionID]
	listeners := make([]MessageListener, 0, len(subs))
	for _, l := range subs {
		listeners = append(listeners, l)
	}
	return listeners
}

// GetMessages returns the session's full ordered message log. Unknown
// sessions yield an empty slice.
func (c *ChatAdapter) GetMessages(sessionID string) []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[sessionID]
	result := make([]models.ChatMessage, len(msgs))
	copy(result, msgs)
	return result
}

// OnMessage subscribes to new messages for one session. Multiple
// subscribers per session are supported; each receives every new message.
// The returned function unsubscribes.
func (c *ChatAdapter) OnMessage(sessionID string, listener MessageListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs, ok := c.listeners[sessionID]
	if !ok {
		subs = make(map[int]MessageListener)
		c.listeners[sessionID] = subs
	}
	subID := c.nextSubID
	c.nextSubID++
	subs[subID] = listener

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if subs, ok := c.listeners[sessionID]; ok {
			delete(subs, subID)
		}
	}
}

// ClearSession drops the session's buffered output and message log. Called
// during session teardown.
func (c *ChatAdapter) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.buffers[sessionID]; ok && buf.timer != nil {
		buf.timer.Stop()
	}
	delete(c.buffers, sessionID)
	delete(c.messages, sessionID)
	delete(c.listeners, sessionID)
}
