package version

import goversion "github.com/hashicorp/go-version"

// will be replaced with the release version when using goreleaser
var version = "development"

// Version returns the client version
func Version() string {
	return version
}

// SemVer returns the client version parsed as a semantic version. Development builds
// report 0.0.0.
func SemVer() *goversion.Version {
	v, err := goversion.NewVersion(version)
	if err != nil {
		return goversion.Must(goversion.NewVersion("0.0.0"))
	}
	return v
}
