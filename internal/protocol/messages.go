package protocol

import (
	"encoding/json"

	"github.com/touchtype-pro/server/internal/race"
)

// Client -> Server
const (
	TypeCreateRace        = "create_race"
	TypeJoinRace          = "join_race"
	TypeLeaveRace         = "leave_race"
	TypeProgressUpdate    = "progress_update"
	TypeRaceFinished      = "race_finished"
	TypeStartRace         = "start_race"
	TypeInitiateCountdown = "initiate_countdown"
	TypeCancelCountdown   = "cancel_countdown"
	TypeResetRace         = "reset_race"
	TypePong              = "pong"
)

// Server -> Client
const (
	TypeRoomJoined         = "room_joined"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
	TypeProgressBroadcast  = "progress_broadcast"
	TypeRaceStarted        = "race_started"
	TypeCountdownStarted   = "countdown_started"
	TypeCountdownTick      = "countdown_tick"
	TypeCountdownCancelled = "countdown_cancelled"
	TypeCountdownRejected  = "countdown_rejected"
	TypeRaceCompleted      = "race_completed"
	TypeLeaderboardUpdate  = "leaderboard_update"
	TypeRaceReset          = "race_reset"
	TypeJoinError          = "join_error"
	TypePing               = "ping"
)

type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// RoomRequest covers create_race, join_race, leave_race, start_race and
// reset_race. Older clients send a bare room-id string instead of an object,
// so both encodings decode.
type RoomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
}

func (r *RoomRequest) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = RoomRequest{RoomID: id}
		return nil
	}
	type roomRequest RoomRequest // drop methods to avoid recursion
	var obj roomRequest
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = RoomRequest(obj)
	return nil
}

type ProgressUpdate struct {
	RoomID   string  `json:"roomId"`
	Progress float64 `json:"progress"`
}

type FinishRequest struct {
	RoomID     string  `json:"roomId"`
	WPM        float64 `json:"wpm"`
	Accuracy   float64 `json:"accuracy"`
	Errors     int     `json:"errors"`
	FinishTime int64   `json:"finishTime"`
}

type CountdownRequest struct {
	RoomID   string `json:"roomId"`
	Duration int    `json:"duration"`
}

type CancelCountdown struct {
	RoomID string `json:"roomId"`
}

type RoomJoined struct {
	RoomID        string     `json:"roomId"`
	Text          []string   `json:"text"`
	UserCount     int        `json:"userCount"`
	IsStarted     bool       `json:"isStarted"`
	ExistingUsers []string   `json:"existingUsers"`
	UsersMeta     []UserMeta `json:"usersMeta"`
}

type UserMeta struct {
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
}

// UserEvent is the payload for both user_joined and user_left.
type UserEvent struct {
	Message   string `json:"message"`
	PlayerID  string `json:"playerId"`
	UserCount int    `json:"userCount"`
	Username  string `json:"username,omitempty"`
}

type ProgressBroadcast struct {
	PlayerID string  `json:"playerId"`
	Progress float64 `json:"progress"`
	Username string  `json:"username,omitempty"`
}

type RaceStarted struct {
	Message   string   `json:"message"`
	Text      []string `json:"text"`
	StartTime int64    `json:"startTime"` // unix milliseconds
}

type CountdownStarted struct {
	Duration  int    `json:"duration"`
	Initiator string `json:"initiator"`
	EndsAt    int64  `json:"endsAt"` // unix milliseconds
}

type CountdownTick struct {
	Remaining int `json:"remaining"`
}

type CountdownCancelled struct {
	By string `json:"by"`
}

type CountdownRejected struct {
	Reason string `json:"reason"`
}

type RaceCompleted struct {
	PlayerID   string  `json:"playerId"`
	WPM        float64 `json:"wpm"`
	Accuracy   float64 `json:"accuracy"`
	Errors     int     `json:"errors"`
	FinishTime int64   `json:"finishTime"`
}

type LeaderboardUpdate struct {
	RoomID  string                  `json:"roomId"`
	Entries []race.LeaderboardEntry `json:"entries"`
}

type RaceReset struct {
	RoomID string   `json:"roomId"`
	Text   []string `json:"text"`
}

type JoinError struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}
