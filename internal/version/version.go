// Package version carries build information for the /version diagnostic
// endpoint. Values are injected at build time:
//
//	go build -ldflags "-X botrunner/internal/version.Version=1.4.0 -X botrunner/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import "runtime"

var (
	Version = "dev"
	Commit  = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
