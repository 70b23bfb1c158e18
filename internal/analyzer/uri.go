package analyzer

import (
	"net/url"
	"strings"
)

// FileURI converts an absolute path to a file:// URI the analyzer accepts.
func FileURI(path string) string {
	u := url.URL{Scheme: "file", Path: path}
	return u.String()
}

// PathFromURI converts a file:// URI back to a filesystem path. Non-file URIs
// are returned unchanged so they stay recognizable in output.
func PathFromURI(uri string) string {
	if !strings.HasPrefix(uri, "file://") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return strings.TrimPrefix(uri, "file://")
	}
	return u.Path
}
