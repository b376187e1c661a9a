// Package signal streams session events to UIs over websocket and accepts
// call commands on the same connection.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/internal/infrastructure/distributed"
	apperrors "callsession/pkg/errors"
	"callsession/pkg/events"
	"callsession/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Outbound message kinds.
const (
	KindSnapshot = "snapshot"
	KindEvent    = "event"
	KindRemote   = "remote"
	KindResult   = "result"
	KindError    = "error"
)

// Message is everything the server writes.
type Message struct {
	Kind       string                  `json:"kind"`
	InstanceID string                  `json:"instanceId,omitempty"`
	Snapshot   *domain.SessionSnapshot `json:"snapshot,omitempty"`
	Event      *domain.SessionEvent    `json:"event,omitempty"`
	Command    string                  `json:"command,omitempty"`
	Result     map[string]any          `json:"result,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Code       string                  `json:"code,omitempty"`
}

// Command is what a client may send.
type Command struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}

type EventStream struct {
	calls    ports.CallOrchestrator
	remote   *events.Bus[distributed.Event]
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns int

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	opTimeout    time.Duration

	logger *zap.SugaredLogger
}

func NewEventStream(calls ports.CallOrchestrator, opTimeout time.Duration, logger *zap.SugaredLogger) *EventStream {
	return &EventStream{
		calls:  calls,
		remote: events.NewBufferedBus[distributed.Event](64),
		upgrader: websocket.Upgrader{
			// The control API is meant for a local UI; origin checks happen
			// in front of it when exposed.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		opTimeout:    opTimeout,
		logger:       logger,
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *EventStream) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// Remote relays an event from another instance to every connected UI.
func (s *EventStream) Remote(ev distributed.Event) error {
	s.remote.Publish(ev)
	return nil
}

// Connections returns the number of attached UIs.
func (s *EventStream) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Close disconnects every subscriber.
func (s *EventStream) Close() {
	s.remote.Close()
}

func (s *EventStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.TraceEventStream(r.Context(), r.RemoteAddr)
	defer span.End()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conns--
		s.mu.Unlock()
	}()
	s.logger.Infow("event subscriber connected", "remote_addr", r.RemoteAddr)

	local, cancelLocal := s.calls.Subscribe()
	defer cancelLocal()
	remote, cancelRemote := s.remote.Subscribe()
	defer cancelRemote()

	// Subscribe before the snapshot so nothing between the two is missed.
	snap := s.calls.Snapshot()
	if err := s.write(conn, Message{Kind: KindSnapshot, Snapshot: &snap}); err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	// in-flight joins are abandoned with the connection
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan Message, 4)
	commands := make(chan Command, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			select {
			case commands <- cmd:
			case <-done:
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-local:
			if !ok {
				s.writeClose(conn)
				return
			}
			if err := s.write(conn, Message{Kind: KindEvent, Event: &ev}); err != nil {
				return
			}

		case ev, ok := <-remote:
			if !ok {
				s.writeClose(conn)
				return
			}
			if err := s.write(conn, Message{Kind: KindRemote, InstanceID: ev.InstanceID, Event: &ev.Session}); err != nil {
				return
			}

		case cmd := <-commands:
			if establishes(cmd) {
				// joins may take up to opTimeout; events and end_call keep flowing
				go func(cmd Command) {
					res := s.execute(ctx, cmd)
					select {
					case results <- res:
					case <-done:
					}
				}(cmd)
				continue
			}
			if err := s.write(conn, s.execute(ctx, cmd)); err != nil {
				return
			}

		case res := <-results:
			if err := s.write(conn, res); err != nil {
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "remote_addr", r.RemoteAddr, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("event subscriber read failed", "remote_addr", r.RemoteAddr, "error", err)
			}
			s.logger.Infow("event subscriber disconnected", "remote_addr", r.RemoteAddr)
			return
		}
	}
}

func establishes(cmd Command) bool {
	return cmd.Type == "join_room" || cmd.Type == "start_call"
}

func (s *EventStream) execute(ctx context.Context, cmd Command) Message {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	res := Message{Kind: KindResult, Command: cmd.Type}
	var err error
	switch cmd.Type {
	case "join_room":
		err = s.calls.JoinRoom(ctx, cmd.RoomID)
	case "start_call":
		err = s.calls.StartCall(ctx, cmd.TargetID)
	case "end_call":
		s.calls.EndCall(ctx)
	case "toggle_mute":
		var muted bool
		muted, err = s.calls.ToggleMute(ctx)
		res.Result = map[string]any{"muted": muted}
	case "toggle_camera":
		var on bool
		on, err = s.calls.ToggleCamera(ctx)
		res.Result = map[string]any{"cameraOn": on}
	case "snapshot":
		snap := s.calls.Snapshot()
		return Message{Kind: KindSnapshot, Command: cmd.Type, Snapshot: &snap}
	default:
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown command type: %q", cmd.Type))
	}
	if err != nil && establishes(cmd) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warnw("call setup timed out", "command", cmd.Type, "timeout", s.opTimeout)
		s.calls.EndCall(context.WithoutCancel(ctx))
		err = apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "call setup timed out", http.StatusGatewayTimeout)
	}
	if err != nil {
		failed := Message{Kind: KindError, Command: cmd.Type, Error: apperrors.HumanMessage(err)}
		if appErr := apperrors.GetAppError(err); appErr != nil {
			failed.Code = string(appErr.Code)
		}
		return failed
	}
	return res
}

func (s *EventStream) write(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to encode event message", "kind", msg.Kind, "error", err)
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Infow("event subscriber write failed", "error", err)
		return err
	}
	return nil
}

func (s *EventStream) writeClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
}
