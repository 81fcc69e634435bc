package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/skyfleet/missionagent/internal/model"
)

// DefaultMaxBundleSize bounds the size of a downloaded bundle.
const DefaultMaxBundleSize = 256 << 20

var ErrNotAnArchive = errors.New("bundle is not a zip archive")

// FetchError is returned when a bundle could not be retrieved or stored.
type FetchError struct {
	URL        string
	StatusCode int // zero unless the server answered
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher downloads bundles over HTTP into the sandbox.
type Fetcher struct {
	sandbox Sandbox
	client  *http.Client
	maxSize int64
}

type FetcherOption func(*Fetcher)

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

func WithMaxSize(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxSize = n }
}

func NewFetcher(sandbox Sandbox, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		sandbox: sandbox,
		client:  http.DefaultClient,
		maxSize: DefaultMaxBundleSize,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads url into dir/mission.bundle.zip and returns the local
// path. dir is created if needed and must be inside the sandbox.
func (f *Fetcher) Fetch(ctx context.Context, url, dir string) (string, error) {
	rel, err := f.sandbox.Confine(dir)
	if err != nil {
		return "", err
	}

	root, err := os.OpenRoot(f.sandbox.Root())
	if err != nil {
		return "", &FetchError{URL: url, Err: fmt.Errorf("opening sandbox: %w", err)}
	}
	defer root.Close()

	if err := root.MkdirAll(rel, 0o755); err != nil {
		return "", &FetchError{URL: url, Err: fmt.Errorf("creating destination: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{URL: url, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	name := path.Join(filepath.ToSlash(rel), BundleName)
	tmp := name + ".part"
	out, err := root.Create(tmp)
	if err != nil {
		return "", &FetchError{URL: url, Err: fmt.Errorf("creating bundle file: %w", err)}
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, f.maxSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > f.maxSize {
		err = model.ErrTooBig
	}
	if err == nil {
		err = sniffZip(root, tmp)
	}
	if err != nil {
		_ = root.Remove(tmp)
		return "", &FetchError{URL: url, Err: fmt.Errorf("saving bundle: %w", err)}
	}
	if err := root.Rename(tmp, name); err != nil {
		_ = root.Remove(tmp)
		return "", &FetchError{URL: url, Err: fmt.Errorf("saving bundle: %w", err)}
	}

	local := filepath.Join(f.sandbox.Root(), filepath.FromSlash(name))
	slog.DebugContext(ctx, "bundle downloaded", "url", url, "path", local, "bytes", n)
	return local, nil
}

// sniffZip checks the content, not the name or the declared type. Zip based
// formats such as jar are accepted.
func sniffZip(root *os.Root, name string) error {
	f, err := root.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return err
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return nil
		}
	}
	return fmt.Errorf("%w: detected %s", ErrNotAnArchive, mt.String())
}
