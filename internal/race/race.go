package race

import (
	"sort"
	"time"
)

// FinishReport is one participant's completed-race outcome. WPM and accuracy
// come from the client; FinishTimeMs is recomputed server-side whenever the
// room knows its authoritative start time.
type FinishReport struct {
	PlayerID     string  `json:"playerId"`
	WPM          float64 `json:"wpm"`
	Accuracy     float64 `json:"accuracy"`
	Errors       int     `json:"errors"`
	FinishTimeMs int64   `json:"finishTime"`
}

type LeaderboardEntry struct {
	FinishReport
	Position int `json:"position"`
}

// ComputeLeaderboard ranks all stored finish reports: WPM descending, ties
// broken by elapsed time ascending. Positions are 1-based.
func ComputeLeaderboard(reports map[string]FinishReport) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(reports))
	for _, r := range reports {
		entries = append(entries, LeaderboardEntry{FinishReport: r})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].WPM != entries[j].WPM {
			return entries[i].WPM > entries[j].WPM
		}
		return entries[i].FinishTimeMs < entries[j].FinishTimeMs
	})
	for i := range entries {
		entries[i].Position = i + 1
	}
	return entries
}

// RemainingSeconds reports the whole seconds left until endsAt,
// ceiling-rounded and never negative.
func RemainingSeconds(endsAt, now time.Time) int {
	d := endsAt.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return secs
}
