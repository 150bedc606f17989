// Package validation checks user-supplied paths, hosts and origins before
// they reach the filesystem, the listener or the WebSocket handshake.
package validation

import (
	"fmt"
	"net/url"
	"strings"
)

var (
	pathChars = []string{";", "&", "|", "$", "`", "<", ">", "\"", "'", "\x00"}
	hostChars = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\", "/", " "}
)

// ValidatePath rejects empty paths and shell metacharacters. Relative paths
// that climb out of the working directory are accepted: serving ../site
// from a project directory is normal.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if char, ok := containsAny(path, pathChars); ok {
		return fmt.Errorf("path contains dangerous character: %q", char)
	}
	return nil
}

// ValidateHost checks a listen host. The empty host binds every interface.
func ValidateHost(host string) error {
	if char, ok := containsAny(host, hostChars); ok {
		return fmt.Errorf("host contains dangerous character: %q", char)
	}
	return nil
}

// ValidateOrigin checks one allowed_origins entry: "*", a bare host such as
// localhost:3000, or an http(s) URL.
func ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	if !strings.Contains(origin, "://") {
		if origin == "" {
			return fmt.Errorf("empty origin")
		}
		return ValidateHost(origin)
	}

	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme %q: only http and https are allowed", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("origin must have a host")
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("origin must not have a path")
	}
	return ValidateHost(u.Host)
}

func containsAny(s string, chars []string) (string, bool) {
	for _, char := range chars {
		if strings.Contains(s, char) {
			return char, true
		}
	}
	return "", false
}
