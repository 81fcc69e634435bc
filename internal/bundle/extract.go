package bundle

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/skyfleet/missionagent/internal/model"
)

// DefaultMaxMemberSize bounds the decompressed size of an extracted member.
const DefaultMaxMemberSize = 64 << 20

var (
	ErrUnsafeMember   = errors.New("unsafe archive member name")
	ErrMemberNotFound = errors.New("archive member not found")
)

// ExtractError is returned when the mission file could not be extracted.
type ExtractError struct {
	Archive string
	Member  string
	Err     error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extracting %q from %s: %v", e.Member, e.Archive, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// Extractor unpacks single members of zip archives into the sandbox.
type Extractor struct {
	sandbox Sandbox
	maxSize int64
}

func NewExtractor(sandbox Sandbox) *Extractor {
	return &Extractor{sandbox: sandbox, maxSize: DefaultMaxMemberSize}
}

// Extract writes member of the zip archive to outDir and returns the path
// of the extracted file. Member names that are absolute, contain ".."
// segments or otherwise escape outDir are rejected with ErrUnsafeMember
// before the archive is opened.
func (x *Extractor) Extract(archive, member, outDir string) (string, error) {
	fail := func(err error) (string, error) {
		return "", &ExtractError{Archive: archive, Member: member, Err: err}
	}

	if !safeMember(member) {
		return fail(ErrUnsafeMember)
	}
	rel, err := x.sandbox.Confine(outDir)
	if err != nil {
		return fail(err)
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fail(err)
	}
	defer zr.Close()

	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == member {
			entry = f
			break
		}
	}
	if entry == nil || entry.FileInfo().IsDir() {
		return fail(ErrMemberNotFound)
	}

	root, err := os.OpenRoot(x.sandbox.Root())
	if err != nil {
		return fail(err)
	}
	defer root.Close()

	name := path.Join(filepath.ToSlash(rel), filepath.ToSlash(member))
	if err := root.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fail(err)
	}

	if err := x.copyMember(root, entry, name); err != nil {
		_ = root.Remove(name)
		return fail(err)
	}
	return filepath.Join(x.sandbox.Root(), filepath.FromSlash(name)), nil
}

// safeMember accepts relative names without ".." segments. Both separators
// count since archives are built on any platform.
func safeMember(name string) bool {
	if name == "" || !filepath.IsLocal(name) {
		return false
	}
	for seg := range strings.FieldsFuncSeq(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return false
		}
	}
	return !strings.HasPrefix(name, "/") && !strings.HasPrefix(name, "\\")
}

func (x *Extractor) copyMember(root *os.Root, entry *zip.File, name string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(rc, x.maxSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > x.maxSize {
		err = model.ErrTooBig
	}
	return err
}
