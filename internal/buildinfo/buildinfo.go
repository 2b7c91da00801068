// Package buildinfo holds version metadata stamped at compile time via
// -ldflags and the derived strings used in logs, the User-Agent header,
// and the /version endpoint.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time, e.g.
//
//	-ldflags "-X github.com/nugget/cortex-agent/internal/buildinfo.Version=v0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info is the serializable build and runtime summary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime"`
}

// Current returns the build info for the running binary.
func Current() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Uptime returns the duration since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("Cortex/%s (+%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for startup logging.
func String() string {
	return fmt.Sprintf("Cortex %s (%s) built %s", Version, GitCommit, BuildTime)
}
