package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/touchtype-pro/server/internal/hub"
	"github.com/touchtype-pro/server/internal/protocol"
	"github.com/touchtype-pro/server/internal/room"
)

// Heartbeat intervals are vars so tests can shrink them.
var (
	pingInterval = 25 * time.Second
	pongTimeout  = 35 * time.Second
)

const (
	writeTimeout = 3 * time.Second
	outboxSize   = 32
)

// originHosts reduces configured origins (full URLs like
// http://localhost:3000) to their host, which is what the accept check
// matches the Origin header against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

// Handler upgrades the connection and runs one session until the client goes
// away, the heartbeat gives up on it, or the transport fails. All three end in
// the same single cleanup path.
func Handler(h *hub.Hub, allowedOrigins []string, log *zap.SugaredLogger) http.HandlerFunc {
	patterns := originHosts(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: patterns,
		})
		if err != nil {
			return
		}

		s := &session{
			id:     uuid.NewString(),
			conn:   conn,
			outbox: make(chan protocol.ServerMessage, outboxSize),
			h:      h,
			log:    log,
		}
		s.lastPong.Store(time.Now().UnixNano())

		ctx, cancel := context.WithCancel(r.Context())
		defer func() {
			s.leaveRoom(true)
			cancel()
			s.kick()
		}()

		s.log.Infow("client connected", "player", s.id)
		go s.writeLoop(ctx)
		go s.heartbeat(ctx)
		s.readLoop(ctx)
		s.log.Infow("client disconnected", "player", s.id)
	}
}

type session struct {
	id     string
	conn   *websocket.Conn
	outbox chan protocol.ServerMessage
	h      *hub.Hub
	log    *zap.SugaredLogger

	// current membership; a connection is in at most one room
	room   *room.Room
	roomID string

	lastPong  atomic.Int64 // unix nanos of the last heartbeat ack
	closeOnce sync.Once
}

// kick force-closes the connection. Handed to the room so a participant whose
// outbox stops draining gets disconnected; also the heartbeat-timeout path.
func (s *session) kick() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusPolicyViolation, "connection closed by server")
	})
}

func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		var cm protocol.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			// Malformed frames carry nothing to act on.
			continue
		}
		s.dispatch(cm)
	}
}

// dispatch maps one inbound message to its handler. Messages from a single
// connection are handled here in arrival order; room-level ordering comes from
// the room mailbox.
func (s *session) dispatch(cm protocol.ClientMessage) {
	switch cm.Type {
	case protocol.TypePong:
		s.lastPong.Store(time.Now().UnixNano())

	case protocol.TypeCreateRace:
		req, ok := decode[protocol.RoomRequest](cm.Payload)
		if !ok || req.RoomID == "" {
			return
		}
		// The room can empty and close between the registry reply and the
		// join landing. The registry replaces closed entries, so one retry
		// always finds a live room.
		for attempt := 0; attempt < 2; attempt++ {
			rm := s.ensureRoom(req.RoomID)
			if rm == nil {
				break
			}
			if s.joinRoom(rm, req.Username, false) {
				return
			}
		}
		s.enqueue(protocol.ServerMessage{
			Type: protocol.TypeJoinError,
			Payload: protocol.JoinError{
				RoomID:  req.RoomID,
				Message: "Unable to create the race. Please try again.",
			},
		})

	case protocol.TypeJoinRace:
		req, ok := decode[protocol.RoomRequest](cm.Payload)
		if !ok || req.RoomID == "" {
			return
		}
		rm := s.getRoom(req.RoomID)
		if rm == nil || !s.joinRoom(rm, req.Username, true) {
			s.enqueue(protocol.ServerMessage{
				Type: protocol.TypeJoinError,
				Payload: protocol.JoinError{
					RoomID:  req.RoomID,
					Message: "Race ID does not exist. Please check the ID and try again.",
				},
			})
		}

	case protocol.TypeLeaveRace:
		req, ok := decode[protocol.RoomRequest](cm.Payload)
		if !ok || req.RoomID == "" || req.RoomID != s.roomID {
			return
		}
		s.leaveRoom(false)

	case protocol.TypeProgressUpdate:
		req, ok := decode[protocol.ProgressUpdate](cm.Payload)
		if !ok || !s.inRoom(req.RoomID) {
			return
		}
		s.tell(room.Progress{PlayerID: s.id, Progress: req.Progress})

	case protocol.TypeRaceFinished:
		req, ok := decode[protocol.FinishRequest](cm.Payload)
		if !ok || !s.inRoom(req.RoomID) {
			return
		}
		s.tell(room.Finish{
			PlayerID:   s.id,
			WPM:        req.WPM,
			Accuracy:   req.Accuracy,
			Errors:     req.Errors,
			FinishTime: req.FinishTime,
		})

	case protocol.TypeStartRace:
		req, ok := decode[protocol.RoomRequest](cm.Payload)
		if !ok || !s.inRoom(req.RoomID) {
			return
		}
		s.tell(room.Start{PlayerID: s.id})

	case protocol.TypeInitiateCountdown:
		req, ok := decode[protocol.CountdownRequest](cm.Payload)
		if !ok || !s.inRoom(req.RoomID) {
			return
		}
		s.tell(room.StartCountdown{PlayerID: s.id, Duration: req.Duration})

	case protocol.TypeCancelCountdown:
		req, ok := decode[protocol.CancelCountdown](cm.Payload)
		if !ok || !s.inRoom(req.RoomID) {
			return
		}
		s.tell(room.CancelCountdown{PlayerID: s.id})

	case protocol.TypeResetRace:
		req, ok := decode[protocol.RoomRequest](cm.Payload)
		if !ok || !s.inRoom(req.RoomID) {
			return
		}
		s.tell(room.Reset{PlayerID: s.id})

	default:
		// Unknown tags are ignored, not fatal.
	}
}

// joinRoom registers the session with rm and waits for the room to apply the
// join. It reports false when the room closed before acknowledging; the
// caller decides how to answer the client.
func (s *session) joinRoom(rm *room.Room, username string, replayExisting bool) bool {
	// Leave-before-join-elsewhere is enforced server-side.
	if s.room != nil && s.room != rm {
		s.leaveRoom(false)
	}
	accepted := make(chan struct{}, 1)
	j := room.Join{
		PlayerID:       s.id,
		Username:       username,
		Outbox:         s.outbox,
		Kick:           s.kick,
		ReplayExisting: replayExisting,
		Accepted:       accepted,
	}
	select {
	case rm.Inbox() <- j:
	case <-rm.Done():
		return false
	}
	select {
	case <-accepted:
	case <-rm.Done():
		// The loop may have applied the join right before stopping.
		select {
		case <-accepted:
		default:
			return false
		}
	}
	s.room = rm
	s.roomID = rm.Code()
	return true
}

func (s *session) leaveRoom(disconnected bool) {
	rm := s.room
	if rm == nil {
		return
	}
	s.room = nil
	s.roomID = ""
	select {
	case rm.Inbox() <- room.Leave{PlayerID: s.id, Disconnected: disconnected}:
	case <-rm.Done():
	}
}

// tell delivers a message to the current room. A closed room drops the
// message and the membership; the send can never block on a dead inbox.
func (s *session) tell(msg room.Msg) {
	rm := s.room
	if rm == nil {
		return
	}
	select {
	case rm.Inbox() <- msg:
	case <-rm.Done():
		s.room = nil
		s.roomID = ""
	}
}

func (s *session) inRoom(roomID string) bool {
	return s.room != nil && roomID == s.roomID
}

func (s *session) heartbeat(ctx context.Context) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			last := time.Unix(0, s.lastPong.Load())
			if time.Since(last) > pongTimeout {
				s.log.Warnw("heartbeat timeout, closing connection", "player", s.id)
				s.kick()
				return
			}
			s.enqueue(protocol.ServerMessage{Type: protocol.TypePing})
		}
	}
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outbox:
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			_ = s.conn.Write(wctx, websocket.MessageText, payload)
			cancel()
		}
	}
}

func (s *session) enqueue(msg protocol.ServerMessage) {
	select {
	case s.outbox <- msg:
	default:
	}
}

func (s *session) ensureRoom(code string) *room.Room {
	reply := make(chan *room.Room, 1)
	s.h.Inbox() <- hub.EnsureRoom{Code: code, Reply: reply}
	return <-reply
}

func (s *session) getRoom(code string) *room.Room {
	reply := make(chan *room.Room, 1)
	s.h.Inbox() <- hub.GetRoom{Code: code, Reply: reply}
	return <-reply
}

func decode[T any](raw json.RawMessage) (T, bool) {
	var v T
	if len(raw) == 0 {
		var zero T
		return zero, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}
