// Package version reports what binary is running.
//
// Release builds stamp the values with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/chat-realtime/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/chat-realtime/internal/version.Commit=$(git rev-parse --short HEAD)"
//
// Unstamped builds fall back to the VCS data the go tool embeds.
package version

import (
	"runtime/debug"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info is the resolved identity of the running binary.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
	Modified  bool // working tree was dirty at build time
}

// Get merges ldflags values with embedded build info. Stamped values win.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}

	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" {
				info.Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// String returns a formatted version string.
func String() string {
	info := Get()
	s := info.Version + " (" + info.Commit + ") built " + info.BuildTime
	if info.Modified {
		s += " dirty"
	}
	return s
}

// UserAgent is sent on the realtime handshake.
func UserAgent() string {
	info := Get()
	return "chat-realtime/" + info.Version + " (" + info.Commit + ")"
}
