package room

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/touchtype-pro/server/internal/protocol"
	"github.com/touchtype-pro/server/internal/race"
	"github.com/touchtype-pro/server/internal/words"
)

type Msg interface{ isRoomMsg() }

type Join struct {
	PlayerID string
	Username string
	Outbox   chan<- protocol.ServerMessage
	// Kick force-closes the participant's connection; used when its outbox
	// stops draining.
	Kick func()
	// ReplayExisting replays one user_joined per pre-existing participant to
	// the joiner so a late joiner can reconstruct full membership (join_race
	// does this, create_race does not).
	ReplayExisting bool
	// Accepted, when non-nil, receives once the join has been applied. Must
	// be buffered. A closed room never replies; senders select on Done.
	Accepted chan<- struct{}
}

type Leave struct {
	PlayerID string
	// Disconnected distinguishes transport loss from an explicit leave_race;
	// it only changes the departure notice text.
	Disconnected bool
}

type Progress struct {
	PlayerID string
	Progress float64
}

type Finish struct {
	PlayerID   string
	WPM        float64
	Accuracy   float64
	Errors     int
	FinishTime int64 // client-reported elapsed ms; overridden when startedAt is known
}

type Start struct{ PlayerID string }

type StartCountdown struct {
	PlayerID string
	Duration int
}

type CancelCountdown struct{ PlayerID string }

type Reset struct{ PlayerID string }

// GetState reflects internal state without data races; test-only.
type GetState struct{ Reply chan View }

type Shutdown struct{}

type countdownTick struct{ gen int }

func (Join) isRoomMsg()            {}
func (Leave) isRoomMsg()           {}
func (Progress) isRoomMsg()        {}
func (Finish) isRoomMsg()          {}
func (Start) isRoomMsg()           {}
func (StartCountdown) isRoomMsg()  {}
func (CancelCountdown) isRoomMsg() {}
func (Reset) isRoomMsg()           {}
func (GetState) isRoomMsg()        {}
func (Shutdown) isRoomMsg()        {}
func (countdownTick) isRoomMsg()   {}

type View struct {
	Code               string
	Text               []string
	NumClients         int
	Participants       []string
	Usernames          map[string]string
	Started            bool
	StartedAt          time.Time
	CountdownActive    bool
	CountdownInitiator string
	Leaderboard        []race.LeaderboardEntry
}

type participant struct {
	outbox chan<- protocol.ServerMessage
	kick   func()
}

type countdown struct {
	endsAt    time.Time
	duration  int
	initiator string
	gen       int
	stop      chan struct{}
}

// Room owns one race session. All mutation happens inside loop; everything
// outside talks to it through the inbox.
type Room struct {
	code    string
	inbox   chan Msg
	text    []string
	clients map[string]participant
	names   map[string]string

	started   bool
	startedAt time.Time
	cd        *countdown
	tickerGen int

	reports map[string]race.FinishReport
	board   []race.LeaderboardEntry

	closed  atomic.Bool
	onEmpty func(*Room)

	log    *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
}

// New spawns a room actor. onEmpty is invoked once, from inside the loop,
// when the last participant leaves.
func New(parent context.Context, code string, onEmpty func(*Room), log *zap.SugaredLogger) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		code:    code,
		inbox:   make(chan Msg, 64),
		text:    words.Generate(),
		clients: make(map[string]participant),
		names:   make(map[string]string),
		reports: make(map[string]race.FinishReport),
		onEmpty: onEmpty,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) Code() string { return r.code }

// Closed reports whether the room has emptied and stopped processing. The
// registry treats closed rooms as absent.
func (r *Room) Closed() bool { return r.closed.Load() }

// Done is closed when the room stops processing messages. Senders select on
// it so a message aimed at a closed room can never block on a dead inbox.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.handleJoin(msg)
			case Leave:
				r.handleLeave(msg.PlayerID, msg.Disconnected)
			case Progress:
				r.handleProgress(msg)
			case Finish:
				r.handleFinish(msg)
			case Start:
				r.handleStart(msg)
			case StartCountdown:
				r.handleStartCountdown(msg)
			case CancelCountdown:
				r.handleCancelCountdown(msg)
			case Reset:
				r.handleReset(msg)
			case countdownTick:
				r.handleTick(msg.gen)
			case GetState:
				msg.Reply <- r.view()
			case Shutdown:
				r.shutdown()
				return
			}
			if r.closed.Load() {
				return
			}
		}
	}
}

func (r *Room) handleJoin(m Join) {
	existing := make([]string, 0, len(r.clients))
	for id := range r.clients {
		existing = append(existing, id)
	}

	r.clients[m.PlayerID] = participant{outbox: m.Outbox, kick: m.Kick}
	if m.Username != "" {
		r.names[m.PlayerID] = m.Username
	}

	meta := make([]protocol.UserMeta, 0, len(r.names))
	for id, name := range r.names {
		meta = append(meta, protocol.UserMeta{PlayerID: id, Username: name})
	}

	r.send(m.PlayerID, protocol.ServerMessage{
		Type: protocol.TypeRoomJoined,
		Payload: protocol.RoomJoined{
			RoomID:        r.code,
			Text:          r.text,
			UserCount:     len(r.clients),
			IsStarted:     r.started,
			ExistingUsers: existing,
			UsersMeta:     meta,
		},
	})

	notice := "A user joined the race"
	if m.ReplayExisting {
		notice = "A new user has joined the race!"
		for _, id := range existing {
			r.send(m.PlayerID, protocol.ServerMessage{
				Type: protocol.TypeUserJoined,
				Payload: protocol.UserEvent{
					Message:   "Existing user in room",
					PlayerID:  id,
					UserCount: len(r.clients),
					Username:  r.names[id],
				},
			})
		}
	}

	r.broadcastExcept(m.PlayerID, protocol.ServerMessage{
		Type: protocol.TypeUserJoined,
		Payload: protocol.UserEvent{
			Message:   notice,
			PlayerID:  m.PlayerID,
			UserCount: len(r.clients),
			Username:  m.Username,
		},
	})

	if m.Accepted != nil {
		m.Accepted <- struct{}{}
	}
}

func (r *Room) handleLeave(id string, disconnected bool) {
	if _, ok := r.clients[id]; !ok {
		return
	}
	delete(r.clients, id)
	delete(r.names, id)

	// The initiator walking away cancels the countdown for everyone.
	if r.cd != nil && r.cd.initiator == id {
		r.stopCountdown()
		r.broadcast(protocol.ServerMessage{
			Type:    protocol.TypeCountdownCancelled,
			Payload: protocol.CountdownCancelled{By: id},
		})
	}

	notice := "A user has left the race"
	if disconnected {
		notice = "A user has disconnected"
	}
	r.broadcast(protocol.ServerMessage{
		Type: protocol.TypeUserLeft,
		Payload: protocol.UserEvent{
			Message:   notice,
			PlayerID:  id,
			UserCount: len(r.clients),
		},
	})

	if len(r.clients) == 0 {
		r.close()
	}
}

func (r *Room) handleProgress(m Progress) {
	if _, ok := r.clients[m.PlayerID]; !ok {
		return
	}
	// Pure fan-out: every sample is relayed exactly once, sender excluded.
	r.broadcastExcept(m.PlayerID, protocol.ServerMessage{
		Type: protocol.TypeProgressBroadcast,
		Payload: protocol.ProgressBroadcast{
			PlayerID: m.PlayerID,
			Progress: m.Progress,
			Username: r.names[m.PlayerID],
		},
	})
}

func (r *Room) handleFinish(m Finish) {
	if _, ok := r.clients[m.PlayerID]; !ok {
		return
	}

	finishMs := m.FinishTime
	if !r.startedAt.IsZero() {
		// Server is authoritative for elapsed time whenever it can be.
		finishMs = time.Since(r.startedAt).Milliseconds()
	}

	r.reports[m.PlayerID] = race.FinishReport{
		PlayerID:     m.PlayerID,
		WPM:          m.WPM,
		Accuracy:     m.Accuracy,
		Errors:       m.Errors,
		FinishTimeMs: finishMs,
	}
	r.board = race.ComputeLeaderboard(r.reports)

	r.broadcastExcept(m.PlayerID, protocol.ServerMessage{
		Type: protocol.TypeRaceCompleted,
		Payload: protocol.RaceCompleted{
			PlayerID:   m.PlayerID,
			WPM:        m.WPM,
			Accuracy:   m.Accuracy,
			Errors:     m.Errors,
			FinishTime: finishMs,
		},
	})
	r.broadcast(protocol.ServerMessage{
		Type:    protocol.TypeLeaderboardUpdate,
		Payload: protocol.LeaderboardUpdate{RoomID: r.code, Entries: r.board},
	})
}

func (r *Room) handleStart(m Start) {
	if _, ok := r.clients[m.PlayerID]; !ok {
		return
	}
	if r.started {
		return
	}
	// A manual start supersedes any pending countdown; the two states are
	// mutually exclusive.
	r.stopCountdown()
	r.startRace()
}

func (r *Room) handleStartCountdown(m StartCountdown) {
	if _, ok := r.clients[m.PlayerID]; !ok {
		return
	}
	if r.started || r.cd != nil {
		r.reject(m.PlayerID, "Race already started or countdown active")
		return
	}
	if len(r.clients) < 2 {
		r.reject(m.PlayerID, "Need at least 2 players")
		return
	}

	now := time.Now()
	r.tickerGen++
	cd := &countdown{
		endsAt:    now.Add(time.Duration(m.Duration) * time.Second),
		duration:  m.Duration,
		initiator: m.PlayerID,
		gen:       r.tickerGen,
		stop:      make(chan struct{}),
	}
	r.cd = cd

	r.broadcast(protocol.ServerMessage{
		Type: protocol.TypeCountdownStarted,
		Payload: protocol.CountdownStarted{
			Duration:  cd.duration,
			Initiator: cd.initiator,
			EndsAt:    cd.endsAt.UnixMilli(),
		},
	})

	go r.runTicker(cd.gen, cd.stop)
}

// runTicker feeds 1-second ticks back into the mailbox so all countdown
// mutation stays on the loop goroutine.
func (r *Room) runTicker(gen int, stop chan struct{}) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-r.ctx.Done():
			return
		case <-t.C:
			select {
			case r.inbox <- countdownTick{gen: gen}:
			case <-stop:
				return
			case <-r.ctx.Done():
				return
			}
		}
	}
}

func (r *Room) handleTick(gen int) {
	if r.cd == nil || r.cd.gen != gen {
		// Stale fire from a superseded countdown.
		return
	}
	remaining := race.RemainingSeconds(r.cd.endsAt, time.Now())
	if remaining > 0 {
		r.broadcast(protocol.ServerMessage{
			Type:    protocol.TypeCountdownTick,
			Payload: protocol.CountdownTick{Remaining: remaining},
		})
		return
	}
	r.stopCountdown()
	r.startRace()
}

func (r *Room) handleCancelCountdown(m CancelCountdown) {
	if r.cd == nil || r.cd.initiator != m.PlayerID {
		return
	}
	r.stopCountdown()
	r.broadcast(protocol.ServerMessage{
		Type:    protocol.TypeCountdownCancelled,
		Payload: protocol.CountdownCancelled{By: m.PlayerID},
	})
}

func (r *Room) handleReset(m Reset) {
	if _, ok := r.clients[m.PlayerID]; !ok {
		return
	}
	r.stopCountdown()
	r.started = false
	r.startedAt = time.Time{}
	clear(r.reports)
	r.board = nil
	r.text = words.Generate()

	r.broadcast(protocol.ServerMessage{
		Type:    protocol.TypeRaceReset,
		Payload: protocol.RaceReset{RoomID: r.code, Text: r.text},
	})
}

func (r *Room) startRace() {
	r.started = true
	r.startedAt = time.Now()
	r.broadcast(protocol.ServerMessage{
		Type: protocol.TypeRaceStarted,
		Payload: protocol.RaceStarted{
			Message:   "Race has started!",
			Text:      r.text,
			StartTime: r.startedAt.UnixMilli(),
		},
	})
}

// stopCountdown halts the recurring tick before the countdown is dereferenced;
// safe to call with no countdown active.
func (r *Room) stopCountdown() {
	if r.cd == nil {
		return
	}
	close(r.cd.stop)
	r.cd = nil
}

func (r *Room) reject(id, reason string) {
	r.send(id, protocol.ServerMessage{
		Type:    protocol.TypeCountdownRejected,
		Payload: protocol.CountdownRejected{Reason: reason},
	})
}

func (r *Room) send(id string, msg protocol.ServerMessage) {
	p, ok := r.clients[id]
	if !ok {
		return
	}
	select {
	case p.outbox <- msg:
	default:
		r.dropSlow(id, p)
	}
}

func (r *Room) broadcast(msg protocol.ServerMessage) {
	r.broadcastExcept("", msg)
}

func (r *Room) broadcastExcept(exclude string, msg protocol.ServerMessage) {
	var slow []string
	for id, p := range r.clients {
		if id == exclude {
			continue
		}
		select {
		case p.outbox <- msg:
		default:
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		if p, ok := r.clients[id]; ok {
			r.dropSlow(id, p)
		}
	}
}

// dropSlow evicts a participant whose outbox stopped draining. Kicking the
// connection makes its session run the usual disconnect path; the explicit
// removal here keeps room state consistent without waiting for it.
func (r *Room) dropSlow(id string, p participant) {
	r.log.Warnw("dropping slow participant", "room", r.code, "player", id)
	if p.kick != nil {
		p.kick()
	}
	r.handleLeave(id, true)
}

func (r *Room) view() View {
	parts := make([]string, 0, len(r.clients))
	for id := range r.clients {
		parts = append(parts, id)
	}
	names := make(map[string]string, len(r.names))
	for id, n := range r.names {
		names[id] = n
	}
	board := make([]race.LeaderboardEntry, len(r.board))
	copy(board, r.board)

	v := View{
		Code:         r.code,
		Text:         append([]string(nil), r.text...),
		NumClients:   len(r.clients),
		Participants: parts,
		Usernames:    names,
		Started:      r.started,
		StartedAt:    r.startedAt,
		Leaderboard:  board,
	}
	if r.cd != nil {
		v.CountdownActive = true
		v.CountdownInitiator = r.cd.initiator
	}
	return v
}

func (r *Room) close() {
	r.log.Infow("room emptied, closing", "room", r.code)
	r.stopCountdown()
	r.closed.Store(true)
	r.cancel()
	if r.onEmpty != nil {
		r.onEmpty(r)
	}
}

func (r *Room) shutdown() {
	r.stopCountdown()
	r.closed.Store(true)
	r.cancel()
}
