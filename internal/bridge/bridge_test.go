package bridge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/runtime"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/store"
)

type staticAuth struct {
	userID string
	err    error
}

func (a staticAuth) Authenticate(r *http.Request) (string, error) {
	return a.userID, a.err
}

// fakeStream is a scripted duplex stream: the test writes container output
// into outW and observes the bridge's input writes.
type fakeStream struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu    sync.Mutex
	input bytes.Buffer
}

func newFakeStream() *fakeStream {
	r, w := io.Pipe()
	return &fakeStream{outR: r, outW: w}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	return s.outR.Read(p)
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.Write(p)
}

func (s *fakeStream) Close() error {
	s.outW.Close()
	return s.outR.Close()
}

func (s *fakeStream) CloseWrite() error { return nil }

func (s *fakeStream) inputString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

type fakeExecRuntime struct {
	mu         sync.Mutex
	state      runtime.ContainerState
	inspectErr error
	stream     *fakeStream
	resizes    [][2]uint
}

func (f *fakeExecRuntime) InspectContainer(ctx context.Context, ref string) (runtime.ContainerState, error) {
	return f.state, f.inspectErr
}

func (f *fakeExecRuntime) CreateExec(ctx context.Context, ref string, cmd []string, tty bool) (string, error) {
	return "exec-1", nil
}

func (f *fakeExecRuntime) AttachExec(ctx context.Context, execID string, tty bool) (runtime.ExecStream, error) {
	return f.stream, nil
}

func (f *fakeExecRuntime) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint{rows, cols})
	return nil
}

func (f *fakeExecRuntime) resizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resizes)
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func seedRunningSession(t *testing.T, st store.Store, id, owner, containerID string) {
	t.Helper()
	session := &models.Session{
		ID:        id,
		OwnerID:   owner,
		Status:    models.SessionStatusRunning,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.Create(context.Background(), session))
	if containerID != "" {
		require.NoError(t, st.SetContainerRef(context.Background(), id, containerID))
	}
}

func TestTerminalRejectsUnauthenticatedConnection(t *testing.T) {
	b := New(store.NewMemoryStore(), &fakeExecRuntime{}, staticAuth{err: ErrUnauthorized})
	server := httptest.NewServer(http.HandlerFunc(b.HandleTerminal))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTerminalRejectsNonRunningSession(t *testing.T) {
	st := store.NewMemoryStore()
	session := &models.Session{
		ID:        "s1",
		OwnerID:   "owner-1",
		Status:    models.SessionStatusStopped,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.Create(context.Background(), session))

	b := New(st, &fakeExecRuntime{}, staticAuth{userID: "owner-1"})
	server := httptest.NewServer(http.HandlerFunc(b.HandleTerminal))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "start", SessionID: "s1"}))

	msg := readEvent(t, conn)
	assert.Equal(t, "error", msg.Event)
	assert.Equal(t, "session is not running", msg.Message)
}

func TestTerminalRejectsWrongOwner(t *testing.T) {
	st := store.NewMemoryStore()
	seedRunningSession(t, st, "s1", "owner-1", "ctr-1")

	b := New(st, &fakeExecRuntime{}, staticAuth{userID: "intruder"})
	server := httptest.NewServer(http.HandlerFunc(b.HandleTerminal))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "start", SessionID: "s1"}))

	msg := readEvent(t, conn)
	assert.Equal(t, "error", msg.Event)
	assert.Equal(t, "unauthorized", msg.Message)
}

func TestTerminalRejectsMissingContainer(t *testing.T) {
	st := store.NewMemoryStore()
	seedRunningSession(t, st, "s1", "owner-1", "")

	b := New(st, &fakeExecRuntime{}, staticAuth{userID: "owner-1"})
	server := httptest.NewServer(http.HandlerFunc(b.HandleTerminal))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "start", SessionID: "s1"}))

	msg := readEvent(t, conn)
	assert.Equal(t, "error", msg.Event)
	assert.Equal(t, "no container associated with session", msg.Message)
}

func TestTerminalRejectsStaleRunningStatus(t *testing.T) {
	st := store.NewMemoryStore()
	seedRunningSession(t, st, "s1", "owner-1", "ctr-1")

	// Store says RUNNING but the live inspect disagrees.
	rt := &fakeExecRuntime{state: runtime.ContainerState{Exists: true, Running: false}}
	b := New(st, rt, staticAuth{userID: "owner-1"})
	server := httptest.NewServer(http.HandlerFunc(b.HandleTerminal))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "start", SessionID: "s1"}))

	msg := readEvent(t, conn)
	assert.Equal(t, "error", msg.Event)
	assert.Equal(t, "container is not running", msg.Message)
}

func TestTerminalRelaysDuplexStream(t *testing.T) {
	st := store.NewMemoryStore()
	seedRunningSession(t, st, "s1", "owner-1", "ctr-1")

	stream := newFakeStream()
	rt := &fakeExecRuntime{
		state:  runtime.ContainerState{Exists: true, Running: true},
		stream: stream,
	}
	b := New(st, rt, staticAuth{userID: "owner-1"})
	server := httptest.NewServer(http.HandlerFunc(b.HandleTerminal))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "start", SessionID: "s1", Cols: 120, Rows: 40}))

	msg := readEvent(t, conn)
	require.Equal(t, "ready", msg.Event)
	assert.Equal(t, 1, rt.resizeCount())

	// Container output reaches the caller.
	_, err := stream.outW.Write([]byte("hello from sandbox"))
	require.NoError(t, err)
	msg = readEvent(t, conn)
	assert.Equal(t, "output", msg.Event)
	assert.Equal(t, "hello from sandbox", msg.Data)

	// Caller input reaches the container.
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "input", SessionID: "s1", Data: "ls -la\n"}))
	assert.Eventually(t, func() bool {
		return stream.inputString() == "ls -la\n"
	}, 5*time.Second, 10*time.Millisecond)

	// Resize propagates.
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "resize", SessionID: "s1", Cols: 80, Rows: 24}))
	assert.Eventually(t, func() bool {
		return rt.resizeCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Process exit surfaces as an exit event; the session itself is not
	// touched by the shell ending.
	stream.outW.Close()
	msg = readEvent(t, conn)
	assert.Equal(t, "exit", msg.Event)

	session, err := st.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, session.Status)
}

func TestTerminalUnknownActionReportsError(t *testing.T) {
	b := New(store.NewMemoryStore(), &fakeExecRuntime{}, staticAuth{userID: "owner-1"})
	server := httptest.NewServer(http.HandlerFunc(b.HandleTerminal))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "reboot", SessionID: "s1"}))

	msg := readEvent(t, conn)
	assert.Equal(t, "error", msg.Event)
	assert.Contains(t, msg.Message, "unknown action")
}
