package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/touchtype-pro/server/internal/room"
)

type HubMsg interface{ isHubMsg() }

// EnsureRoom returns the room for Code, creating it with fresh text when
// absent. create_race resolves through this.
type EnsureRoom struct {
	Code  string
	Reply chan *room.Room
}

// GetRoom is a read-only lookup; the reply is nil when the room does not
// exist. join_race resolves through this so an unknown id never creates state.
type GetRoom struct {
	Code  string
	Reply chan *room.Room
}

// RemoveRoom drops the registry entry for an emptied room. The pointer is
// compared so a fresh room under the same code is never deleted by a stale
// notification.
type RemoveRoom struct {
	Code string
	Room *room.Room
}

type ShutdownHub struct{}

func (EnsureRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

// Hub is the room registry: the only owner of the code -> room mapping.
type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*room.Room
	log    *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(parent context.Context, log *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*room.Room),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				if rm := h.rooms[msg.Code]; rm != nil && !rm.Closed() {
					msg.Reply <- rm
					break
				}
				rm := h.spawn(msg.Code)
				h.rooms[msg.Code] = rm
				msg.Reply <- rm

			case GetRoom:
				rm := h.rooms[msg.Code]
				if rm != nil && rm.Closed() {
					rm = nil
				}
				msg.Reply <- rm

			case RemoveRoom:
				if h.rooms[msg.Code] == msg.Room {
					delete(h.rooms, msg.Code)
					h.log.Infow("room removed", "room", msg.Code)
				}

			case ShutdownHub:
				for _, rm := range h.rooms {
					rm.Inbox() <- room.Shutdown{}
				}
				clear(h.rooms)
				h.cancel()
			}
		}
	}
}

func (h *Hub) spawn(code string) *room.Room {
	h.log.Infow("room created", "room", code)
	return room.New(h.ctx, code, func(rm *room.Room) {
		h.inbox <- RemoveRoom{Code: code, Room: rm}
	}, h.log)
}
