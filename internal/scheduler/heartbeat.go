package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nexuscore/agentengine/internal/config"
	"github.com/nexuscore/agentengine/internal/dispatcher"
)

// HeartbeatToken is the marker a heartbeat reply uses to signal nothing
// needs attention.
const HeartbeatToken = "HEARTBEAT_OK"

// DefaultHeartbeatPrompt is the text sent on every heartbeat trigger.
const DefaultHeartbeatPrompt = "This is a scheduled check-in, not a message from a user. " +
	"If anything needs attention, act on it. Otherwise reply with exactly " + HeartbeatToken + "."

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func (s *Scheduler) runHeartbeat(ctx context.Context) {
	cfg := s.cfgStore.Get()
	if !cfg.Heartbeat.Enabled {
		return
	}

	interval := time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	now := s.now()

	s.mu.Lock()
	due := s.lastHeartbeat.IsZero() || now.Sub(s.lastHeartbeat) >= interval
	targets := append([]HeartbeatTarget(nil), s.heartbeatTargets...)
	if due {
		s.lastHeartbeat = now
	}
	s.mu.Unlock()

	if !due || len(targets) == 0 {
		return
	}
	if !isWithinActiveWindow(cfg.Heartbeat, now) {
		return
	}

	for _, target := range targets {
		result, err := s.dispatch.Dispatch(ctx, dispatcher.NormalizedMessage{
			ChannelType: target.ChannelType,
			ChannelID:   target.ChannelID,
			ChatID:      target.ChatID,
			UserID:      "scheduler",
			UserName:    "scheduler",
			Text:        DefaultHeartbeatPrompt,
		})
		if err != nil {
			s.log.Warn(ctx, "heartbeat dispatch failed", "channel_id", target.ChannelID, "error", err)
			continue
		}
		if _, acked := StripHeartbeatAck(result.Content); acked {
			s.log.Debug(ctx, "heartbeat acknowledged, nothing to report", "channel_id", target.ChannelID)
		}
	}
}

// StripHeartbeatAck reports whether a heartbeat reply was just the
// HEARTBEAT_OK token (optionally wrapped in incidental whitespace), and
// returns the remaining text when it wasn't.
func StripHeartbeatAck(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", true
	}
	if !strings.Contains(trimmed, HeartbeatToken) {
		return trimmed, false
	}
	remainder := strings.TrimSpace(strings.ReplaceAll(trimmed, HeartbeatToken, ""))
	if remainder == "" {
		return "", true
	}
	return remainder, false
}

// isWithinActiveWindow checks the heartbeat's optional active-hours/days
// restriction.
func isWithinActiveWindow(cfg config.HeartbeatConfig, now time.Time) bool {
	if len(cfg.ActiveDays) > 0 {
		dayOK := false
		for _, d := range cfg.ActiveDays {
			if wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]; ok && wd == now.Weekday() {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}

	if cfg.ActiveHoursStart == "" || cfg.ActiveHoursEnd == "" {
		return true
	}
	startMin, err1 := parseClock(cfg.ActiveHoursStart)
	endMin, err2 := parseClock(cfg.ActiveHoursEnd)
	if err1 != nil || err2 != nil {
		return true
	}

	cur := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return cur >= startMin && cur < endMin
	}
	return cur >= startMin || cur < endMin
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

func parseClock(s string) (int, error) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	var hour, minute int
	_, _ = fmt.Sscanf(m[0], "%d:%d", &hour, &minute)
	return hour*60 + minute, nil
}
