package syncer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsafeName is returned for a remote name that cannot be used as a
// single local path element.
var ErrUnsafeName = errors.New("unsafe remote name")

// CheckName rejects names that would escape or split the local directory
// they are joined to: empty names, "." and "..", absolute paths, and
// anything holding a path separator on either platform.
func CheckName(name string) error {
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) || !filepath.IsLocal(name) {
		return fmt.Errorf("%w %q", ErrUnsafeName, name)
	}
	return nil
}
