package version

import "runtime/debug"

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
}

// Resolve merges the ldflags values with the module build info. Values set
// through ldflags win.
func Resolve() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		info.GoVersion = bi.GoVersion
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			}
		}
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	return info.Version + " (" + shortCommit(info.Commit) + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
