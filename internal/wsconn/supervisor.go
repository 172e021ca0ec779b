// Package wsconn supervises one exchange websocket connection: dial,
// heartbeat, write-deadline enforcement, and reconnect-with-backoff,
// driven by an explicit connection state machine instead of the bare
// read-loop-with-backoff the teacher uses.
//
// Grounded on the teacher's internal/exchange/ws.go (WSFeed.Run's
// exponential-backoff reconnect loop, the ping goroutine, write-deadline
// helpers), generalized from two hardcoded feed types (market/user) to a
// Role-tagged connection whose raw message handling is supplied by the
// caller.
package wsconn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Role distinguishes a connection the engine cannot operate without (Main
// — order and fill events) from one it can degrade without (Secondary —
// e.g. an auxiliary market-data feed). A Main connection reconnects
// forever; a Secondary gives up after MaxRetryConnectCount consecutive
// failures and reports itself as permanently failed.
type Role int

const (
	Main Role = iota
	Secondary
)

func (r Role) String() string {
	if r == Main {
		return "main"
	}
	return "secondary"
}

const (
	HeartbeatInterval    = 5 * time.Second
	HeartbeatFailTimeout = 10 * time.Second
	WriteDeadlineTimeout = 1 * time.Second
	MaxRetryConnectCount = 3
)

// State is the connection's lifecycle stage.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	PermanentlyFailed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case PermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

// MessageHandler processes one raw inbound websocket frame.
type MessageHandler func(data []byte)

// Supervisor owns the lifecycle of one websocket connection.
type Supervisor struct {
	url     string
	role    Role
	handler MessageHandler
	logger  *slog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	lastMessage time.Time
	lastMu      sync.Mutex
}

func NewSupervisor(url string, role Role, handler MessageHandler, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		url:     url,
		role:    role,
		handler: handler,
		logger:  logger.With("component", "wsconn", "role", role.String()),
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run dials and maintains the connection until ctx is cancelled or (for a
// Secondary role) MaxRetryConnectCount consecutive dial failures occur.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := time.Second
	consecutiveFailures := 0

	for {
		s.setState(Connecting)
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return ctx.Err()
		}

		// connectAndServe leaves the state at Connected if the dial
		// succeeded, so this disconnect starts a new run of failures.
		if s.State() == Connected {
			consecutiveFailures = 0
		}
		consecutiveFailures++
		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err, "backoff", backoff, "consecutive_failures", consecutiveFailures)

		if s.role == Secondary && consecutiveFailures >= MaxRetryConnectCount {
			s.setState(PermanentlyFailed)
			return fmt.Errorf("wsconn: %s connection failed %d times: %w", s.role, consecutiveFailures, err)
		}

		select {
		case <-ctx.Done():
			s.setState(Disconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *Supervisor) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = Connected
	s.mu.Unlock()
	s.touchLastMessage()

	defer func() {
		s.mu.Lock()
		conn.Close()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.logger.Info("websocket connected")

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	heartbeatErr := make(chan error, 1)
	go s.heartbeatLoop(heartbeatCtx, heartbeatErr)

	readErr := make(chan error, 1)
	go s.readLoop(ctx, readErr)

	select {
	case err := <-heartbeatErr:
		return err
	case err := <-readErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) readLoop(ctx context.Context, errCh chan<- error) {
	for {
		if ctx.Err() != nil {
			errCh <- ctx.Err()
			return
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			errCh <- fmt.Errorf("connection closed")
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			errCh <- fmt.Errorf("read: %w", err)
			return
		}

		s.touchLastMessage()
		s.handler(msg)
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.lastMessageTime()) > HeartbeatFailTimeout {
				errCh <- fmt.Errorf("heartbeat: no message within %s", HeartbeatFailTimeout)
				return
			}
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				errCh <- fmt.Errorf("heartbeat ping: %w", err)
				return
			}
		}
	}
}

func (s *Supervisor) touchLastMessage() {
	s.lastMu.Lock()
	s.lastMessage = time.Now()
	s.lastMu.Unlock()
}

func (s *Supervisor) lastMessageTime() time.Time {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastMessage
}

// SendJSON marshals v and writes it as a text frame, enforcing
// WriteDeadlineTimeout.
func (s *Supervisor) SendJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("wsconn: not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(WriteDeadlineTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Supervisor) writeMessage(msgType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("wsconn: not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(WriteDeadlineTimeout))
	return s.conn.WriteMessage(msgType, data)
}

// Close gracefully closes the underlying connection, if any.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
