// Package httpx holds the HTTP client plumbing shared by the token
// endpoint client and the API gateway.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout is used when NewClient is given a non-positive timeout.
	DefaultTimeout = 30 * time.Second

	// MaxResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	MaxResponseBytes = 1024 * 1024

	// maxErrorBodyLen bounds response text included in error messages.
	maxErrorBodyLen = 256
)

// NewClient creates an http.Client with the given timeout and the
// same-host redirect policy.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: SameHostRedirectPolicy,
	}
}

// SameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the Authorization
// header from leaking to third-party domains.
func SameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// ErrBodyTooLarge is returned by ReadBody when a body exceeds
// MaxResponseBytes. The returned bytes hold the first MaxResponseBytes.
var ErrBodyTooLarge = fmt.Errorf("response body exceeds %d bytes", MaxResponseBytes)

// ReadBody reads a response body of at most MaxResponseBytes. A longer
// body is never returned as if it were complete.
func ReadBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return body, err
	}

	if len(body) > MaxResponseBytes {
		return body[:MaxResponseBytes], ErrBodyTooLarge
	}

	return body, nil
}

// SanitizeBody truncates and sanitizes a response body for inclusion
// in error messages. Limits to 256 bytes and replaces non-printable
// characters to prevent log injection.
func SanitizeBody(body []byte) string {
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// IsSuccess reports whether code is a 2xx status.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
