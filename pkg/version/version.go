package version

import (
	"fmt"
	"runtime"
)

// gitCommit is set at build time:
//
//	go build -ldflags "-X github.com/studify-ai/studify/pkg/version.gitCommit=$(git rev-parse HEAD)"
var gitCommit = "unknown"

type Info struct {
	GitCommit string `json:"gitCommit" yaml:"gitCommit"`
	GoVersion string `json:"goVersion" yaml:"goVersion"`
	Platform  string `json:"platform" yaml:"platform"`
}

func Get() Info {
	return Info{
		GitCommit: gitCommit,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
