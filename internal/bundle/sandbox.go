// Package bundle fetches mission bundles into the sandbox directory and
// extracts the mission file from them.
//
// Everything written by this package goes through an [os.Root] opened at
// the sandbox root, so neither a destination argument nor an archive member
// name can place a file outside of it.
package bundle

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/skyfleet/missionagent/internal/model"
)

// BundleName is the file name a fetched bundle is stored under.
const BundleName = "mission.bundle.zip"

// SandboxError is returned for a destination outside of the sandbox root.
type SandboxError struct {
	Root string
	Path string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("destination %q is not under sandbox root %q", e.Path, e.Root)
}

func (e *SandboxError) Unwrap() error {
	return model.ErrOutside
}

// Sandbox is the only directory tree bundles may be written to.
type Sandbox struct {
	root string
}

func NewSandbox(root string) (Sandbox, error) {
	if !filepath.IsAbs(root) {
		return Sandbox{}, fmt.Errorf("sandbox root %q must be absolute", root)
	}
	return Sandbox{root: filepath.Clean(root)}, nil
}

func (s Sandbox) Root() string {
	return s.root
}

// Confine returns dest relative to the sandbox root. It fails when dest is
// not absolute or resolves outside the root; a sibling such as /tmpfoo of
// the root /tmp is outside. Confine is purely lexical and touches neither
// the file system nor the network.
func (s Sandbox) Confine(dest string) (string, error) {
	if s.root == "" {
		return "", errors.New("sandbox root not set")
	}
	if !filepath.IsAbs(dest) {
		return "", &SandboxError{Root: s.root, Path: dest}
	}
	rel, err := filepath.Rel(s.root, filepath.Clean(dest))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &SandboxError{Root: s.root, Path: dest}
	}
	return rel, nil
}
