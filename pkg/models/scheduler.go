package models

import "time"

// CronTask is a persisted cron-triggered message: on each tick the
// Scheduler synthesizes a NormalizedMessage carrying Prompt to the
// configured channel. Missed ticks during downtime are not backfilled —
// NextRun simply advances from "now" the next time the scheduler observes
// the task as due.
type CronTask struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CronExpr    string    `json:"cron_expr"`
	Prompt      string    `json:"prompt"`
	ChannelType string    `json:"channel_type"`
	ChannelID   string    `json:"channel_id"`
	ChatID      string    `json:"chat_id"`
	Enabled     bool      `json:"enabled"`
	NextRun     time.Time `json:"next_run"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
