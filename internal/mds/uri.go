package mds

import (
	"strings"
	"unicode"
)

// uriScheme prefixes fully qualified device resource URIs.
const uriScheme = "suunto://"

// SerialOf returns the device serial a resource URI is addressed to, or ""
// for URIs without a serial segment (e.g. "/Meas/HR" or "MDS/ConnectedDevices").
// Serials are the numeric leading segment.
func SerialOf(uri string) string {
	rest := strings.TrimPrefix(uri, uriScheme)
	serial, _, _ := strings.Cut(rest, "/")
	if serial == "" || strings.IndexFunc(serial, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
		return ""
	}
	return serial
}

// ResourcePath strips the scheme and serial, returning the resource path
// with a leading slash ("suunto://123/Meas/HR" → "/Meas/HR").
func ResourcePath(uri string) string {
	rest := strings.TrimPrefix(uri, uriScheme)
	if SerialOf(uri) != "" {
		_, path, _ := strings.Cut(rest, "/")
		return "/" + path
	}
	if !strings.HasPrefix(rest, "/") {
		return "/" + rest
	}
	return rest
}
