// Package buildinfo reports the version stamped into the minutesctl binary.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// Set at build time:
//
//	-X github.com/otherjamesbrown/minutes-admin/pkg/buildinfo.Version=v0.3.0
//	-X github.com/otherjamesbrown/minutes-admin/pkg/buildinfo.Commit=4f1c2ab
//	-X github.com/otherjamesbrown/minutes-admin/pkg/buildinfo.BuildTime=2026-10-01T08:00:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info is the /version payload.
type Info struct {
	ServiceName string `json:"service_name"`
	Role        string `json:"role,omitempty"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildTime   string `json:"build_time"`
	GoVersion   string `json:"go_version"`
	Uptime      string `json:"uptime"`
}

// Get returns build info for the named service. role distinguishes the
// processes built from one binary ("api", "worker"); it may be empty.
func Get(serviceName, role string) Info {
	return Info{
		ServiceName: serviceName,
		Role:        role,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(started).Truncate(time.Second).String(),
	}
}

// String returns a one-liner like "v0.3.0 (4f1c2ab, 2026-10-01T08:00:00Z)".
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}

// Handler serves Info as JSON.
func Handler(serviceName, role string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get(serviceName, role))
	}
}
