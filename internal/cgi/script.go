package cgi

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrScriptNotFound = errors.New("cgi: no script matches the request path")

// ResolveScript walks urlPath component by component under root. The
// longest prefix that names a regular file is the script; the remaining
// components become PATH_INFO. Cleaning the path first keeps the lookup
// inside root.
func ResolveScript(root, urlPath string) (script, pathInfo string, err error) {
	clean := path.Clean("/" + urlPath)
	parts := strings.Split(clean, "/")

	current := root
	for i, p := range parts {
		if p == "" {
			continue
		}
		next := filepath.Join(current, p)
		info, statErr := os.Stat(next)
		if statErr != nil {
			return "", "", ErrScriptNotFound
		}
		current = next
		if info.Mode().IsRegular() {
			if rest := strings.Join(parts[i+1:], "/"); rest != "" {
				pathInfo = "/" + rest
			}
			return current, pathInfo, nil
		}
	}
	return "", "", ErrScriptNotFound
}
