// Package conditions describes the runtime's present circumstances
// (local time, host, version) for the system preamble, and backs the
// current_time tool.
package conditions

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/tools"
)

// Clock reports time in a configured IANA zone, falling back to the
// host's local zone when the name is empty or unknown.
type Clock struct {
	zone string
	loc  *time.Location
	now  func() time.Time
}

// NewClock returns a Clock for timezone.
func NewClock(timezone string) *Clock {
	c := &Clock{loc: time.Local, now: time.Now}
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			c.loc = loc
			c.zone = timezone
		}
	}
	return c
}

// Now returns the current time in the clock's zone.
func (c *Clock) Now() time.Time { return c.now().In(c.loc) }

// Section renders the "Current Conditions" block placed at the top of
// the system preamble.
func (c *Clock) Section() string {
	now := c.Now()
	abbrev, _ := now.Zone()

	var sb strings.Builder
	sb.WriteString("# Current Conditions\n\n")
	fmt.Fprintf(&sb, "**Time:** %s %s", now.Format("Monday, January 2, 2006 at 15:04"), abbrev)
	if c.zone != "" && c.zone != abbrev {
		fmt.Fprintf(&sb, " (%s)", c.zone)
	}
	sb.WriteString("\n")

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	fmt.Fprintf(&sb, "**Host:** %s (%s/%s, %s)\n", hostname, runtime.GOOS, runtime.GOARCH, detectEnvironment())
	fmt.Fprintf(&sb, "**Runtime:** parley %s, up %s", buildinfo.Version, formatUptime(buildinfo.Uptime()))
	return sb.String()
}

// Tool exposes the clock as the current_time capability.
func (c *Clock) Tool() tools.Capability {
	return &tools.Tool{
		Name:        "current_time",
		Description: "Get the current local date and time, including weekday and timezone.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(context.Context, map[string]any) (any, error) {
			now := c.Now()
			abbrev, offset := now.Zone()
			return map[string]any{
				"iso8601":        now.Format(time.RFC3339),
				"weekday":        now.Weekday().String(),
				"timezone":       abbrev,
				"utc_offset_sec": offset,
			}, nil
		},
	}
}

func detectEnvironment() string {
	if runtime.GOOS != "linux" {
		return "bare metal"
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "container"
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		s := string(data)
		for _, marker := range []string{"docker", "lxc", "kubepods"} {
			if strings.Contains(s, marker) {
				return "container"
			}
		}
	}
	if os.Getenv("container") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "container"
	}
	return "bare metal"
}

// formatUptime renders d as "30s", "45m", "4h 23m" or "2d 5h".
func formatUptime(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
