// Package asset locates and streams the files a scene refers to: scene
// descriptions, module sources and meshes. Files may be local or served over
// http/https; relative references resolve against the resource that names
// them.
package asset

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Remote fetches give up after this long.
const fetchTimeout = 30 * time.Second

var httpClient = &http.Client{Timeout: fetchTimeout}

// A streamable local file or remote document.
type Resource struct {
	io.ReadCloser
	url *url.URL
}

// The path or URL this resource was opened from.
func (r *Resource) Path() string {
	return r.url.String()
}

// The last element of the resource path.
func (r *Resource) Name() string {
	return path.Base(r.url.Path)
}

// Returns true if the resource is streamed over http/https.
func (r *Resource) IsRemote() bool {
	return r.url.Scheme != ""
}

// Read the remaining contents and close the resource.
func (r *Resource) ReadAll() ([]byte, error) {
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("resource: could not read '%s': %w", r.Path(), err)
	}
	return data, nil
}

// Open a resource. If relTo is not nil and pathToResource has no scheme,
// the path is resolved relative to the directory containing relTo.
//
// The caller must close the returned resource.
func NewResource(pathToResource string, relTo *Resource) (*Resource, error) {
	loc, err := resolve(pathToResource, relTo)
	if err != nil {
		return nil, err
	}

	var reader io.ReadCloser
	switch loc.Scheme {
	case "":
		if reader, err = os.Open(filepath.Clean(loc.Path)); err != nil {
			return nil, fmt.Errorf("resource: %w", err)
		}
	case "http", "https":
		resp, err := httpClient.Get(loc.String())
		if err != nil {
			return nil, fmt.Errorf("resource: could not fetch '%s': %w", loc.String(), err)
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, fmt.Errorf("resource: could not fetch '%s': status %d", loc.String(), resp.StatusCode)
		}
		reader = resp.Body
	default:
		return nil, fmt.Errorf("resource: unsupported scheme '%s'", loc.Scheme)
	}

	return &Resource{ReadCloser: reader, url: loc}, nil
}

func resolve(pathToResource string, relTo *Resource) (*url.URL, error) {
	loc, err := url.Parse(strings.ReplaceAll(pathToResource, `\`, `/`))
	if err != nil {
		return nil, fmt.Errorf("resource: invalid path '%s': %w", pathToResource, err)
	}
	if loc.Scheme != "" || relTo == nil || filepath.IsAbs(loc.Path) {
		return loc, nil
	}

	if relTo.IsRemote() {
		return relTo.url.ResolveReference(&url.URL{Path: loc.Path}), nil
	}

	base, err := filepath.Abs(relTo.url.Path)
	if err != nil {
		return nil, fmt.Errorf("resource: could not detect abs path for %s: %w", relTo.Path(), err)
	}
	return &url.URL{Path: filepath.Join(filepath.Dir(base), loc.Path)}, nil
}

// Open a resource and read all of its contents.
func ReadAll(pathToResource string, relTo *Resource) ([]byte, error) {
	res, err := NewResource(pathToResource, relTo)
	if err != nil {
		return nil, err
	}
	return res.ReadAll()
}

// Wrap a reader as a resource with the given name. Relative references
// resolve against the current directory.
func NewResourceFromStream(name string, source io.Reader) *Resource {
	loc, err := url.Parse(name)
	if err != nil {
		loc = &url.URL{Path: name}
	}
	return &Resource{
		ReadCloser: io.NopCloser(source),
		url:        loc,
	}
}
