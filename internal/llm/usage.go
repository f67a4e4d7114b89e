package llm

import (
	"sync"
	"time"
)

// CallKind distinguishes plain text completions from structured ones in the
// usage log.
type CallKind string

const (
	CallText       CallKind = "text"
	CallStructured CallKind = "structured"
)

type usageEntry struct {
	at    time.Time
	model string
	kind  CallKind
}

// UsageLog records successful LLM calls for the /usage aggregates. It is an
// in-process log: a restart resets it, which matches the best-effort nature
// of the cost surface.
type UsageLog struct {
	mu      sync.Mutex
	entries []usageEntry
}

// NewUsageLog returns an empty usage log.
func NewUsageLog() *UsageLog {
	return &UsageLog{}
}

// Record appends one successful call.
func (u *UsageLog) Record(model string, kind CallKind) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries = append(u.entries, usageEntry{at: time.Now(), model: model, kind: kind})
}

// Aggregates are LLM call counts over trailing windows.
type Aggregates struct {
	Day   int `json:"day"`
	Week  int `json:"week"`
	Month int `json:"month"`
	Total int `json:"total"`
}

// Aggregate computes call counts for the trailing day, week, and month
// relative to now.
func (u *UsageLog) Aggregate(now time.Time) Aggregates {
	u.mu.Lock()
	defer u.mu.Unlock()
	var agg Aggregates
	for _, e := range u.entries {
		agg.Total++
		age := now.Sub(e.at)
		if age <= 24*time.Hour {
			agg.Day++
		}
		if age <= 7*24*time.Hour {
			agg.Week++
		}
		if age <= 30*24*time.Hour {
			agg.Month++
		}
	}
	return agg
}
