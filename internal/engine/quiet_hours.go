package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/waldenltd/communication-agent/internal/models"
)

// quietHoursDiagnostic is recorded in last_error on deferral. Not a failure;
// retry_count is untouched.
const quietHoursDiagnostic = "Deferred for quiet hours"

// parseTimeToMinutes parses an HH:MM wall-clock string to minutes since
// midnight. Returns false for missing or invalid values, which disables the
// quiet-hour gate.
func parseTimeToMinutes(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, false
	}
	hours, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, false
	}
	if hours < 0 || hours > 23 || minutes < 0 || minutes > 59 {
		return 0, false
	}
	return hours*60 + minutes, true
}

// isWithinQuietHours reports whether cur (minutes since midnight) falls in
// the quiet window. A window wrapping midnight has start > end; start ==
// end is never quiet.
func isWithinQuietHours(cur, start, end int) bool {
	if start < end {
		return start <= cur && cur < end
	}
	if start > end {
		return cur >= start || cur < end
	}
	return false
}

// quietHoursDelay returns the next allowed send instant when the job is
// gated by the tenant's quiet hours, or nil when it may proceed. Urgent
// payloads bypass the gate.
func quietHoursDelay(payload models.Payload, cfg *models.TenantConfig, now time.Time) *time.Time {
	if payload.Bool("urgent") {
		return nil
	}

	start, okStart := parseTimeToMinutes(cfg.QuietHoursStart)
	end, okEnd := parseTimeToMinutes(cfg.QuietHoursEnd)
	if !okStart || !okEnd {
		return nil
	}

	currentMinutes := now.Hour()*60 + now.Minute()
	if !isWithinQuietHours(currentMinutes, start, end) {
		return nil
	}

	nextAllowed := time.Date(now.Year(), now.Month(), now.Day(), end/60, end%60, 0, 0, now.Location())
	if start > end {
		// Quiet hours wrap past midnight.
		if currentMinutes >= start {
			nextAllowed = nextAllowed.AddDate(0, 0, 1)
		}
	} else if currentMinutes >= end {
		nextAllowed = nextAllowed.AddDate(0, 0, 1)
	}
	if !nextAllowed.After(now) {
		nextAllowed = nextAllowed.AddDate(0, 0, 1)
	}
	return &nextAllowed
}
