package capfabric

import (
	"fmt"

	"github.com/carlmjohnson/versioninfo"
)

// Version returns a human-readable build identifier derived from the
// embedded VCS build info: module version (if built via `go install
// module@version`), else the commit and dirty-tree marker.
func Version() string {
	if versioninfo.Version != "" && versioninfo.Version != "(devel)" {
		return versioninfo.Version
	}
	rev := versioninfo.Revision
	if rev == "" {
		return "unknown"
	}
	if versioninfo.DirtyBuild {
		return fmt.Sprintf("%s-dirty", rev)
	}
	return rev
}
