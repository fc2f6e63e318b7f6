package room

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/touchtype-pro/server/internal/protocol"
)

// helper: receive one message with a timeout so tests never hang
func recvMsg(t *testing.T, ch <-chan protocol.ServerMessage, within time.Duration) protocol.ServerMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(within):
		t.Fatalf("timed out waiting for message")
		return protocol.ServerMessage{} // unreachable
	}
}

func recvNoMsg(t *testing.T, ch <-chan protocol.ServerMessage, within time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("expected no message within %v, but got: %+v", within, msg)
	case <-time.After(within):
		// good: silence
	}
}

func recvView(t *testing.T, r *Room, within time.Duration) View {
	t.Helper()
	reply := make(chan View, 1)
	r.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func newTestRoom(t *testing.T, onEmpty func(*Room)) *Room {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, "ABC123", onEmpty, zap.NewNop().Sugar())
}

func join(r *Room, id, name string, replay bool) chan protocol.ServerMessage {
	out := make(chan protocol.ServerMessage, 16)
	r.Inbox() <- Join{PlayerID: id, Username: name, Outbox: out, ReplayExisting: replay}
	return out
}

func TestRoom_CreateThenJoin_SnapshotsAndNotices(t *testing.T) {
	r := newTestRoom(t, nil)

	outX := join(r, "x", "alice", false)
	first := recvMsg(t, outX, 100*time.Millisecond)
	if first.Type != protocol.TypeRoomJoined {
		t.Fatalf("want room_joined, got %s", first.Type)
	}
	snap := first.Payload.(protocol.RoomJoined)
	if snap.UserCount != 1 || snap.IsStarted || len(snap.ExistingUsers) != 0 {
		t.Fatalf("creator snapshot wrong: %+v", snap)
	}
	if len(snap.Text) == 0 {
		t.Fatalf("expected generated text in snapshot")
	}

	outY := join(r, "y", "bob", true)
	ySnap := recvMsg(t, outY, 100*time.Millisecond)
	if ySnap.Type != protocol.TypeRoomJoined {
		t.Fatalf("want room_joined, got %s", ySnap.Type)
	}
	yPayload := ySnap.Payload.(protocol.RoomJoined)
	if yPayload.UserCount != 2 {
		t.Fatalf("want userCount=2, got %d", yPayload.UserCount)
	}
	if len(yPayload.ExistingUsers) != 1 || yPayload.ExistingUsers[0] != "x" {
		t.Fatalf("want existingUsers=[x], got %v", yPayload.ExistingUsers)
	}

	// late joiner replays one user_joined per pre-existing participant
	replay := recvMsg(t, outY, 100*time.Millisecond)
	if replay.Type != protocol.TypeUserJoined {
		t.Fatalf("want replayed user_joined, got %s", replay.Type)
	}
	ev := replay.Payload.(protocol.UserEvent)
	if ev.PlayerID != "x" || ev.Username != "alice" {
		t.Fatalf("replay should name the existing user: %+v", ev)
	}

	// the creator hears about the newcomer exactly once
	joined := recvMsg(t, outX, 100*time.Millisecond)
	if joined.Type != protocol.TypeUserJoined {
		t.Fatalf("want user_joined, got %s", joined.Type)
	}
	xEv := joined.Payload.(protocol.UserEvent)
	if xEv.PlayerID != "y" || xEv.UserCount != 2 {
		t.Fatalf("join notice wrong: %+v", xEv)
	}
	recvNoMsg(t, outX, 100*time.Millisecond)
}

func TestRoom_LeaveBroadcastsAndCounts(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	_ = recvMsg(t, outX, 100*time.Millisecond) // room_joined
	_ = recvMsg(t, outY, 100*time.Millisecond)
	_ = recvMsg(t, outX, 100*time.Millisecond) // user_joined for y

	r.Inbox() <- Leave{PlayerID: "y"}
	left := recvMsg(t, outX, 100*time.Millisecond)
	if left.Type != protocol.TypeUserLeft {
		t.Fatalf("want user_left, got %s", left.Type)
	}
	ev := left.Payload.(protocol.UserEvent)
	if ev.PlayerID != "y" || ev.UserCount != 1 {
		t.Fatalf("departure notice wrong: %+v", ev)
	}

	view := recvView(t, r, 100*time.Millisecond)
	if view.NumClients != 1 {
		t.Fatalf("want 1 participant, got %d", view.NumClients)
	}
}

func TestRoom_LeaveOfNonMemberIsNoop(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	_ = recvMsg(t, outX, 100*time.Millisecond)

	r.Inbox() <- Leave{PlayerID: "ghost"}
	recvNoMsg(t, outX, 100*time.Millisecond)

	view := recvView(t, r, 100*time.Millisecond)
	if view.NumClients != 1 {
		t.Fatalf("membership changed by ghost leave: %d", view.NumClients)
	}
}

func TestRoom_EmptyRoomCloses(t *testing.T) {
	emptied := make(chan *Room, 1)
	r := newTestRoom(t, func(rm *Room) { emptied <- rm })

	outX := join(r, "x", "", false)
	_ = recvMsg(t, outX, 100*time.Millisecond)
	r.Inbox() <- Leave{PlayerID: "x"}

	select {
	case rm := <-emptied:
		if rm != r {
			t.Fatalf("onEmpty called with wrong room")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("room did not report itself empty")
	}
	if !r.Closed() {
		t.Fatalf("room should be closed after last leave")
	}
}

func TestRoom_DoneClosesWhenEmptied(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	_ = recvMsg(t, outX, 100*time.Millisecond)

	select {
	case <-r.Done():
		t.Fatalf("done closed while the room still has participants")
	default:
	}

	r.Inbox() <- Leave{PlayerID: "x"}
	select {
	case <-r.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("done not closed after the room emptied")
	}
	if !r.Closed() {
		t.Fatalf("room should report closed once done")
	}
}

func TestRoom_JoinAcknowledged(t *testing.T) {
	r := newTestRoom(t, nil)
	out := make(chan protocol.ServerMessage, 16)
	accepted := make(chan struct{}, 1)
	r.Inbox() <- Join{PlayerID: "x", Outbox: out, Accepted: accepted}

	select {
	case <-accepted:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("join never acknowledged")
	}
	if msg := recvMsg(t, out, 100*time.Millisecond); msg.Type != protocol.TypeRoomJoined {
		t.Fatalf("want room_joined, got %s", msg.Type)
	}
}

func TestRoom_CountdownRejectedWithOnePlayer(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	_ = recvMsg(t, outX, 100*time.Millisecond)

	r.Inbox() <- StartCountdown{PlayerID: "x", Duration: 5}
	msg := recvMsg(t, outX, 100*time.Millisecond)
	if msg.Type != protocol.TypeCountdownRejected {
		t.Fatalf("want countdown_rejected, got %s", msg.Type)
	}
	if reason := msg.Payload.(protocol.CountdownRejected).Reason; reason != "Need at least 2 players" {
		t.Fatalf("unexpected reason %q", reason)
	}
	view := recvView(t, r, 100*time.Millisecond)
	if view.CountdownActive || view.Started {
		t.Fatalf("rejection must leave state unchanged: %+v", view)
	}
}

func TestRoom_CountdownRejectedWhenAlreadyActive(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2) // room_joined + user_joined
	drain(t, outY, 1)

	r.Inbox() <- StartCountdown{PlayerID: "x", Duration: 30}
	if m := recvMsg(t, outX, 100*time.Millisecond); m.Type != protocol.TypeCountdownStarted {
		t.Fatalf("want countdown_started, got %s", m.Type)
	}
	_ = recvMsg(t, outY, 100*time.Millisecond)

	r.Inbox() <- StartCountdown{PlayerID: "y", Duration: 10}
	m := recvMsg(t, outY, 100*time.Millisecond)
	if m.Type != protocol.TypeCountdownRejected {
		t.Fatalf("want countdown_rejected, got %s", m.Type)
	}
	view := recvView(t, r, 100*time.Millisecond)
	if !view.CountdownActive || view.CountdownInitiator != "x" {
		t.Fatalf("original countdown must survive: %+v", view)
	}
}

func TestRoom_CountdownTicksDownAndStartsRace(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- StartCountdown{PlayerID: "x", Duration: 2}

	started := recvMsg(t, outY, 100*time.Millisecond)
	if started.Type != protocol.TypeCountdownStarted {
		t.Fatalf("want countdown_started, got %s", started.Type)
	}
	cs := started.Payload.(protocol.CountdownStarted)
	if cs.Duration != 2 || cs.Initiator != "x" || cs.EndsAt == 0 {
		t.Fatalf("countdown_started payload wrong: %+v", cs)
	}

	tick := recvMsg(t, outY, 1500*time.Millisecond)
	if tick.Type != protocol.TypeCountdownTick {
		t.Fatalf("want countdown_tick, got %s", tick.Type)
	}
	if rem := tick.Payload.(protocol.CountdownTick).Remaining; rem != 1 {
		t.Fatalf("want remaining=1, got %d", rem)
	}

	raceStart := recvMsg(t, outY, 1500*time.Millisecond)
	if raceStart.Type != protocol.TypeRaceStarted {
		t.Fatalf("want race_started, got %s", raceStart.Type)
	}
	rs := raceStart.Payload.(protocol.RaceStarted)
	if len(rs.Text) == 0 || rs.StartTime == 0 {
		t.Fatalf("race_started payload wrong: %+v", rs)
	}

	view := recvView(t, r, 100*time.Millisecond)
	if !view.Started || view.CountdownActive {
		t.Fatalf("want started with no countdown: %+v", view)
	}
	// resolved countdown leaves no stray ticks behind
	recvNoMsg(t, outY, 1200*time.Millisecond)
}

func TestRoom_CancelFromNonInitiatorIgnored(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- StartCountdown{PlayerID: "x", Duration: 30}
	_ = recvMsg(t, outX, 100*time.Millisecond)
	_ = recvMsg(t, outY, 100*time.Millisecond)

	r.Inbox() <- CancelCountdown{PlayerID: "y"}
	recvNoMsg(t, outX, 200*time.Millisecond)

	view := recvView(t, r, 100*time.Millisecond)
	if !view.CountdownActive {
		t.Fatalf("countdown should continue after non-initiator cancel")
	}
}

func TestRoom_CancelFromInitiator(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- StartCountdown{PlayerID: "x", Duration: 30}
	_ = recvMsg(t, outX, 100*time.Millisecond)
	_ = recvMsg(t, outY, 100*time.Millisecond)

	r.Inbox() <- CancelCountdown{PlayerID: "x"}
	cancelled := recvMsg(t, outY, 100*time.Millisecond)
	if cancelled.Type != protocol.TypeCountdownCancelled {
		t.Fatalf("want countdown_cancelled, got %s", cancelled.Type)
	}
	if by := cancelled.Payload.(protocol.CountdownCancelled).By; by != "x" {
		t.Fatalf("want by=x, got %s", by)
	}

	view := recvView(t, r, 100*time.Millisecond)
	if view.CountdownActive || view.Started {
		t.Fatalf("cancel must clear countdown without starting: %+v", view)
	}
}

func TestRoom_InitiatorLeaveCancelsCountdown_NoRaceStart(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- StartCountdown{PlayerID: "x", Duration: 1}
	_ = recvMsg(t, outX, 100*time.Millisecond)
	_ = recvMsg(t, outY, 100*time.Millisecond)

	r.Inbox() <- Leave{PlayerID: "x", Disconnected: true}

	cancelled := recvMsg(t, outY, 100*time.Millisecond)
	if cancelled.Type != protocol.TypeCountdownCancelled {
		t.Fatalf("want countdown_cancelled, got %s", cancelled.Type)
	}
	left := recvMsg(t, outY, 100*time.Millisecond)
	if left.Type != protocol.TypeUserLeft {
		t.Fatalf("want user_left, got %s", left.Type)
	}
	// the cancelled countdown must never resolve into a race start
	recvNoMsg(t, outY, 1500*time.Millisecond)
}

func TestRoom_ManualStartSupersedesCountdown(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- StartCountdown{PlayerID: "x", Duration: 30}
	_ = recvMsg(t, outX, 100*time.Millisecond)
	_ = recvMsg(t, outY, 100*time.Millisecond)

	r.Inbox() <- Start{PlayerID: "y"}
	started := recvMsg(t, outY, 100*time.Millisecond)
	if started.Type != protocol.TypeRaceStarted {
		t.Fatalf("want race_started, got %s", started.Type)
	}

	view := recvView(t, r, 100*time.Millisecond)
	if !view.Started || view.CountdownActive {
		t.Fatalf("manual start must clear countdown: %+v", view)
	}

	// a second start is a no-op
	r.Inbox() <- Start{PlayerID: "x"}
	_ = recvMsg(t, outX, 100*time.Millisecond) // x's race_started from above
	recvNoMsg(t, outX, 200*time.Millisecond)
}

func TestRoom_ProgressRelayExcludesSender(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "alice", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- Progress{PlayerID: "x", Progress: 42.5}

	relayed := recvMsg(t, outY, 100*time.Millisecond)
	if relayed.Type != protocol.TypeProgressBroadcast {
		t.Fatalf("want progress_broadcast, got %s", relayed.Type)
	}
	pb := relayed.Payload.(protocol.ProgressBroadcast)
	if pb.PlayerID != "x" || pb.Progress != 42.5 || pb.Username != "alice" {
		t.Fatalf("relay payload wrong: %+v", pb)
	}
	recvNoMsg(t, outX, 100*time.Millisecond)
}

func TestRoom_ProgressFromNonParticipantIgnored(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	_ = recvMsg(t, outX, 100*time.Millisecond)

	r.Inbox() <- Progress{PlayerID: "ghost", Progress: 10}
	recvNoMsg(t, outX, 100*time.Millisecond)
}

func TestRoom_FinishOrdering_HigherWPMWins(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	// y finishes first with a lower wpm, x second with a higher one
	r.Inbox() <- Finish{PlayerID: "y", WPM: 60, Accuracy: 95, Errors: 3, FinishTime: 42000}
	completed := recvMsg(t, outX, 100*time.Millisecond)
	if completed.Type != protocol.TypeRaceCompleted {
		t.Fatalf("want race_completed, got %s", completed.Type)
	}
	rc := completed.Payload.(protocol.RaceCompleted)
	if rc.PlayerID != "y" || rc.WPM != 60 {
		t.Fatalf("race_completed payload wrong: %+v", rc)
	}
	// no startedAt, so the client-reported elapsed time is trusted verbatim
	if rc.FinishTime != 42000 {
		t.Fatalf("want client finishTime kept, got %d", rc.FinishTime)
	}
	_ = recvMsg(t, outX, 100*time.Millisecond) // leaderboard_update
	_ = recvMsg(t, outY, 100*time.Millisecond)

	r.Inbox() <- Finish{PlayerID: "x", WPM: 80, Accuracy: 98, Errors: 1, FinishTime: 45000}
	_ = recvMsg(t, outY, 100*time.Millisecond) // race_completed for x

	view := recvView(t, r, 100*time.Millisecond)
	if len(view.Leaderboard) != 2 {
		t.Fatalf("want 2 leaderboard entries, got %d", len(view.Leaderboard))
	}
	if view.Leaderboard[0].PlayerID != "x" || view.Leaderboard[0].Position != 1 {
		t.Fatalf("want x first: %+v", view.Leaderboard)
	}
	if view.Leaderboard[1].PlayerID != "y" || view.Leaderboard[1].Position != 2 {
		t.Fatalf("want y second: %+v", view.Leaderboard)
	}
}

func TestRoom_FinishTimeRecomputedAfterStart(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- Start{PlayerID: "x"}
	_ = recvMsg(t, outX, 100*time.Millisecond)
	_ = recvMsg(t, outY, 100*time.Millisecond)

	r.Inbox() <- Finish{PlayerID: "x", WPM: 70, Accuracy: 99, Errors: 0, FinishTime: 999999}
	completed := recvMsg(t, outY, 100*time.Millisecond)
	rc := completed.Payload.(protocol.RaceCompleted)
	if rc.FinishTime >= 999999 || rc.FinishTime < 0 {
		t.Fatalf("finish time should be recomputed from startedAt, got %d", rc.FinishTime)
	}
	if rc.FinishTime > 5000 {
		t.Fatalf("recomputed elapsed time implausibly large: %d", rc.FinishTime)
	}
}

func TestRoom_SecondFinishOverwrites(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- Finish{PlayerID: "x", WPM: 50, Accuracy: 90, Errors: 5, FinishTime: 60000}
	r.Inbox() <- Finish{PlayerID: "x", WPM: 75, Accuracy: 97, Errors: 2, FinishTime: 40000}

	view := recvView(t, r, 100*time.Millisecond)
	if len(view.Leaderboard) != 1 {
		t.Fatalf("want a single entry after overwrite, got %d", len(view.Leaderboard))
	}
	if view.Leaderboard[0].WPM != 75 {
		t.Fatalf("want the newer report kept, got %+v", view.Leaderboard[0])
	}
}

func TestRoom_ResetClearsRaceState(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- Start{PlayerID: "x"}
	_ = recvMsg(t, outX, 100*time.Millisecond)
	_ = recvMsg(t, outY, 100*time.Millisecond)
	r.Inbox() <- Finish{PlayerID: "x", WPM: 70, Accuracy: 99, Errors: 0, FinishTime: 0}
	_ = recvMsg(t, outX, 100*time.Millisecond) // leaderboard_update
	_ = recvMsg(t, outY, 100*time.Millisecond) // race_completed
	_ = recvMsg(t, outY, 100*time.Millisecond) // leaderboard_update

	r.Inbox() <- Reset{PlayerID: "y"}
	reset := recvMsg(t, outX, 100*time.Millisecond)
	if reset.Type != protocol.TypeRaceReset {
		t.Fatalf("want race_reset, got %s", reset.Type)
	}
	rr := reset.Payload.(protocol.RaceReset)
	if rr.RoomID != "ABC123" || len(rr.Text) == 0 {
		t.Fatalf("race_reset payload wrong: %+v", rr)
	}

	view := recvView(t, r, 100*time.Millisecond)
	if view.Started || !view.StartedAt.IsZero() || len(view.Leaderboard) != 0 {
		t.Fatalf("reset must clear race state: %+v", view)
	}
	if view.NumClients != 2 {
		t.Fatalf("reset must not touch membership: %d", view.NumClients)
	}
}

func TestRoom_ResetCancelsCountdownWithoutStart(t *testing.T) {
	r := newTestRoom(t, nil)
	outX := join(r, "x", "", false)
	outY := join(r, "y", "", false)
	drain(t, outX, 2)
	drain(t, outY, 1)

	r.Inbox() <- StartCountdown{PlayerID: "x", Duration: 1}
	_ = recvMsg(t, outX, 100*time.Millisecond)
	_ = recvMsg(t, outY, 100*time.Millisecond)

	r.Inbox() <- Reset{PlayerID: "x"}
	reset := recvMsg(t, outY, 100*time.Millisecond)
	if reset.Type != protocol.TypeRaceReset {
		t.Fatalf("want race_reset, got %s", reset.Type)
	}
	// the superseded countdown must not fire
	recvNoMsg(t, outY, 1500*time.Millisecond)

	view := recvView(t, r, 100*time.Millisecond)
	if view.Started || view.CountdownActive {
		t.Fatalf("reset must clear countdown: %+v", view)
	}
}

// drain discards n messages, failing on timeout.
func drain(t *testing.T, ch <-chan protocol.ServerMessage, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		recvMsg(t, ch, 200*time.Millisecond)
	}
}
