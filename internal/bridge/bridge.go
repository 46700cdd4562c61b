// Package bridge attaches interactive shells to running sandbox containers
// over WebSocket, relaying duplex byte streams between the caller's terminal
// and a TTY exec in the container.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/runtime"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/store"
)

const shellCommand = "/bin/sh"

// ClientMessage is a session-scoped action from the caller.
type ClientMessage struct {
	Action    string `json:"action"` // start | input | resize
	SessionID string `json:"session_id"`
	Data      string `json:"data,omitempty"`
	Cols      uint   `json:"cols,omitempty"`
	Rows      uint   `json:"rows,omitempty"`
}

// ServerMessage is an event sent back to the caller.
type ServerMessage struct {
	Event   string `json:"event"` // ready | output | exit | error
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// terminal is the per-attachment bookkeeping entry, keyed by
// connection id + session id like the rest of the relay state.
type terminal struct {
	execID    string
	stream    runtime.ExecStream
	sessionID string
}

// Bridge serves the terminal WebSocket endpoint. It never mutates session
// lifecycle state: a shell exiting or a caller disconnecting only tears down
// the attachment, not the sandbox.
type Bridge struct {
	store    store.Store
	runtime  runtime.ExecRuntime
	auth     Authenticator
	upgrader websocket.Upgrader

	mu        sync.Mutex
	terminals map[string]*terminal
}

func New(st store.Store, rt runtime.ExecRuntime, auth Authenticator) *Bridge {
	return &Bridge{
		store:   st,
		runtime: rt,
		auth:    auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		terminals: make(map[string]*terminal),
	}
}

// safeConn serializes writes; the output pump and the command loop both
// write to the same WebSocket.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) send(msg ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// HandleTerminal authenticates the connection once, then serves
// session-scoped actions until the caller disconnects.
func (b *Bridge) HandleTerminal(w http.ResponseWriter, r *http.Request) {
	userID, err := b.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	connID := uuid.NewString()
	sc := &safeConn{conn: conn}
	log.Printf("Terminal client connected: %s (user %s)", connID, userID)

	defer func() {
		b.closeAll(connID)
		conn.Close()
		log.Printf("Terminal client disconnected: %s", connID)
	}()

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Terminal read error on %s: %v", connID, err)
			}
			return
		}

		switch msg.Action {
		case "start":
			b.handleStart(r.Context(), sc, connID, userID, msg)
		case "input":
			b.handleInput(connID, msg)
		case "resize":
			b.handleResize(r.Context(), connID, msg)
		default:
			sc.send(ServerMessage{Event: "error", Message: fmt.Sprintf("unknown action %q", msg.Action)})
		}
	}
}

func (b *Bridge) handleStart(ctx context.Context, sc *safeConn, connID, userID string, msg ClientMessage) {
	cols, rows := msg.Cols, msg.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	session, err := b.store.Get(ctx, msg.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sc.send(ServerMessage{Event: "error", Message: "session not found"})
		} else {
			sc.send(ServerMessage{Event: "error", Message: "failed to load session"})
		}
		return
	}
	if session.OwnerID != userID {
		sc.send(ServerMessage{Event: "error", Message: "unauthorized"})
		return
	}
	if session.Status != models.SessionStatusRunning {
		sc.send(ServerMessage{Event: "error", Message: "session is not running"})
		return
	}
	containerRef := session.ContainerRef()
	if containerRef == "" {
		sc.send(ServerMessage{Event: "error", Message: "no container associated with session"})
		return
	}

	// The stored status can be stale; confirm against the runtime.
	state, err := b.runtime.InspectContainer(ctx, containerRef)
	if err != nil || !state.Exists || !state.Running {
		sc.send(ServerMessage{Event: "error", Message: "container is not running"})
		return
	}

	execID, err := b.runtime.CreateExec(ctx, containerRef, []string{shellCommand}, true)
	if err != nil {
		log.Printf("Failed to create exec for session %s: %v", msg.SessionID, err)
		sc.send(ServerMessage{Event: "error", Message: "failed to start terminal"})
		return
	}
	stream, err := b.runtime.AttachExec(ctx, execID, true)
	if err != nil {
		log.Printf("Failed to attach exec for session %s: %v", msg.SessionID, err)
		sc.send(ServerMessage{Event: "error", Message: "failed to start terminal"})
		return
	}

	key := termKey(connID, msg.SessionID)
	t := &terminal{execID: execID, stream: stream, sessionID: msg.SessionID}
	b.mu.Lock()
	if old, ok := b.terminals[key]; ok {
		old.stream.Close()
	}
	b.terminals[key] = t
	b.mu.Unlock()

	if err := b.runtime.ResizeExec(ctx, execID, rows, cols); err != nil {
		log.Printf("Failed to resize terminal for session %s: %v", msg.SessionID, err)
	}

	go b.pumpOutput(sc, key, t)

	sc.send(ServerMessage{Event: "ready"})
	log.Printf("Terminal started for session %s (container %s)", msg.SessionID, containerRef)
}

// pumpOutput relays container output to the caller until the exec'd process
// exits or the stream breaks, then removes the bookkeeping entry. It does not
// touch the session's lifecycle status.
func (b *Bridge) pumpOutput(sc *safeConn, key string, t *terminal) {
	buf := make([]byte, 4096)
	for {
		n, err := t.stream.Read(buf)
		if n > 0 {
			if werr := sc.send(ServerMessage{Event: "output", Data: string(buf[:n])}); werr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("Terminal stream error: %v", err)
			}
			break
		}
	}

	sc.send(ServerMessage{Event: "exit"})
	t.stream.Close()
	b.mu.Lock()
	// Only remove the entry if it is still ours; a restarted shell may have
	// replaced it under the same key.
	if cur, ok := b.terminals[key]; ok && cur == t {
		delete(b.terminals, key)
	}
	b.mu.Unlock()
}

func (b *Bridge) handleInput(connID string, msg ClientMessage) {
	b.mu.Lock()
	t, ok := b.terminals[termKey(connID, msg.SessionID)]
	b.mu.Unlock()
	if !ok {
		return
	}
	if _, err := t.stream.Write([]byte(msg.Data)); err != nil {
		log.Printf("Failed to write terminal input for session %s: %v", msg.SessionID, err)
	}
}

func (b *Bridge) handleResize(ctx context.Context, connID string, msg ClientMessage) {
	b.mu.Lock()
	t, ok := b.terminals[termKey(connID, msg.SessionID)]
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := b.runtime.ResizeExec(ctx, t.execID, msg.Rows, msg.Cols); err != nil {
		log.Printf("Failed to resize terminal for session %s: %v", msg.SessionID, err)
	}
}

// closeAll tears down every attachment owned by a disconnected caller.
func (b *Bridge) closeAll(connID string) {
	prefix := connID + ":"
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, t := range b.terminals {
		if strings.HasPrefix(key, prefix) {
			t.stream.Close()
			delete(b.terminals, key)
		}
	}
}

func termKey(connID, sessionID string) string {
	return connID + ":" + sessionID
}
