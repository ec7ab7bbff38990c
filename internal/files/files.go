// Package files exposes a plain WebDAV file tree next to the CalDAV/CardDAV space.
package files

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/emersion/go-webdav"
)

// NewHandler serves root under prefix. The directory is created when missing.
func NewHandler(root, prefix string) (http.Handler, error) {
	if root == "" {
		return nil, fmt.Errorf("files root is empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create files root: %w", err)
	}
	h := &webdav.Handler{FileSystem: webdav.LocalFileSystem(root)}
	return http.StripPrefix(strings.TrimRight(prefix, "/"), h), nil
}
