package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveLink turns an href found on base into an absolute http(s) URL.
// Protocol-relative links get the http scheme, relative links are resolved
// against base and the fragment is dropped. ok is false for anything that is
// not http or https (mailto:, javascript:, ftp:, ...).
func ResolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	if strings.HasPrefix(href, "//") {
		href = "http:" + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	ref.Scheme = strings.ToLower(ref.Scheme)
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	if ref.Host == "" {
		return "", false
	}
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), true
}

// ValidateURL checks that raw is an absolute http(s) URL and returns it trimmed.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	return raw, nil
}

// NormalizeWord lower-cases and trims a keyword. It returns "" for blanks.
func NormalizeWord(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

// NormalizeWords normalizes words, dropping blanks and duplicates while
// keeping first-seen order.
func NormalizeWords(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = NormalizeWord(w)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
