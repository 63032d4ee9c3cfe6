package utils

import (
	"io"
	"net/url"
	"strings"
)

// DrainAndClose closes the given ReadCloser.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	// Drain to let the transport reuse the connection.
	_, _ = io.Copy(io.Discard, rc)
	return rc.Close()
}

// JoinPath joins escaped path segments onto base.
func JoinPath(base string, segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(escaped, "/")
}
