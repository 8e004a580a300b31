package battle

import "time"

const (
	DefaultLogCap    = 100
	DefaultLogTrimTo = 50
)

// LogEntry is one human-readable battle log line.
type LogEntry struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// BattleLog is an append-only log with bounded retention: once it grows past Cap,
// only the newest TrimTo entries are kept.
type BattleLog struct {
	Entries []LogEntry `json:"entries"`
	Cap     int        `json:"cap"`
	TrimTo  int        `json:"trim_to"`
}

// NewBattleLog returns an empty log. Non-positive or inconsistent limits fall back to defaults.
func NewBattleLog(capacity, trimTo int) BattleLog {
	if capacity <= 0 {
		capacity = DefaultLogCap
	}
	if trimTo <= 0 || trimTo >= capacity {
		trimTo = min(DefaultLogTrimTo, capacity/2)
	}
	return BattleLog{Cap: capacity, TrimTo: trimTo}
}

// Append adds a line and trims the log when it overflows.
func (l *BattleLog) Append(at time.Time, text string) {
	l.Entries = append(l.Entries, LogEntry{At: at, Text: text})
	if l.Cap > 0 && len(l.Entries) > l.Cap {
		keep := l.Entries[len(l.Entries)-l.TrimTo:]
		l.Entries = append(make([]LogEntry, 0, l.Cap+1), keep...)
	}
}

// Clone returns a deep copy.
func (l BattleLog) Clone() BattleLog {
	l.Entries = append([]LogEntry(nil), l.Entries...)
	return l
}

// Last returns the newest n lines (or fewer).
func (l BattleLog) Last(n int) []LogEntry {
	if n <= 0 || n >= len(l.Entries) {
		return append([]LogEntry(nil), l.Entries...)
	}
	return append([]LogEntry(nil), l.Entries[len(l.Entries)-n:]...)
}
