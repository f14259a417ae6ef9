package cachestore

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// hashLength is the number of hex characters of the SHA-256 used for file names.
const hashLength = 24

// Key returns the cache key for req: scheme, host, path and query. The
// fragment is dropped and scheme and host are lower-cased.
func Key(req *http.Request) string {
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	return normalize(&u)
}

// KeyFromURL is Key for a raw URL string.
func KeyFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return normalize(u), nil
}

// KeyForURL is Key for a parsed absolute URL.
func KeyForURL(u *url.URL) string {
	return normalize(u)
}

func normalize(u *url.URL) string {
	n := url.URL{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     strings.ToLower(u.Host),
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
	if n.Path == "" {
		n.Path = "/"
	}
	return n.String()
}

// hashKey maps a cache key to a file-system safe name.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:hashLength]
}
