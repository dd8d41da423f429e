package config

import "runtime/debug"

// Set at link time:
//
//	go build -ldflags "-X carpoolhub/internal/config.version=1.2.3 \
//	    -X carpoolhub/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata. Binaries built
// without ldflags fall back to the VCS stamp the toolchain embeds.
func NewBuildInfo() BuildInfo {
	info := BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = withVCSStamp(info, bi.Settings)
	}
	return info
}

func withVCSStamp(info BuildInfo, settings []debug.BuildSetting) BuildInfo {
	for _, s := range settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" {
				info.Commit = s.Value[:min(len(s.Value), 12)]
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		}
	}
	return info
}
