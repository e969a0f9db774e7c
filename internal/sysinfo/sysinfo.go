// Package sysinfo provides the system metadata attached to sync payloads.
package sysinfo

import (
	"os"
	"runtime"
)

// Info describes the machine the agent runs on.
type Info struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
}

// Collect gathers system metadata. The agent version is injected by the
// caller so this package stays free of build-time wiring.
func Collect(version string) Info {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return Info{
		Platform: runtime.GOOS,
		Version:  version,
		Hostname: hostname,
	}
}
