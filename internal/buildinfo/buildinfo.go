// Package buildinfo exposes version metadata stamped in with -ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at link time:
//
//	go build -ldflags "-X github.com/nugget/parley/internal/buildinfo.Version=v0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Uptime is the time since the process started, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is the User-Agent sent on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("parley/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// Info returns build and runtime details for the version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// String is a one-line summary for startup logs.
func String() string {
	return fmt.Sprintf("parley %s (%s) built %s", Version, GitCommit, BuildTime)
}
