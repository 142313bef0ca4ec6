package main

import "runtime/debug"

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func init() {
	if commit != "none" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				commit = s.Value[:7]
			} else {
				commit = s.Value
			}
		case "vcs.time":
			date = s.Value
		}
	}
}

func main() {
	Execute(version, commit, date)
}
