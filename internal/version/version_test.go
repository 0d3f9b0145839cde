package version

import (
	"runtime/debug"
	"testing"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	origRead := readBuildInfo
	origVersion, origCommit, origBuild := Version, Commit, BuildTime
	t.Cleanup(func() {
		readBuildInfo = origRead
		Version, Commit, BuildTime = origVersion, origCommit, origBuild
	})
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return bi, bi != nil
	}
}

func TestUserAgent(t *testing.T) {
	stubBuildInfo(t, nil)
	Version = "1.2.0"
	Commit = "abc1234"
	BuildTime = "2026-01-02T03:04:05Z"

	if got, want := UserAgent(), "chat-realtime/1.2.0 (abc1234)"; got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
	if got, want := String(), "1.2.0 (abc1234) built 2026-01-02T03:04:05Z"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestGetFallsBackToBuildInfo(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	Version, Commit, BuildTime = "dev", "unknown", "unknown"

	info := Get()
	want := Info{Version: "v0.4.1", Commit: "0123456", BuildTime: "2026-03-04T05:06:07Z", Modified: true}
	if info != want {
		t.Errorf("Get() = %+v, want %+v", info, want)
	}
	if got, want := String(), "v0.4.1 (0123456) built 2026-03-04T05:06:07Z dirty"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestGetStampedValuesWin(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "fedcba9876543210"},
		},
	})
	Version, Commit = "1.0.0", "abc1234"

	info := Get()
	if info.Version != "1.0.0" || info.Commit != "abc1234" {
		t.Errorf("Get() = %+v, want stamped version and commit", info)
	}
}
