// Package origin checks browser Origin headers on the relay's WebSocket
// upgrade.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates an Origin header and returns it as
// scheme://host[:port] along with the host[:port] part. Default ports are
// dropped and the literal "null" origin is passed through.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = authority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may connect to requestHost.
//
// A non-empty allowlist is matched exactly ("*" allows everything). With no
// allowlist only same-host requests pass. The scheme is not compared so the
// relay can sit behind a TLS-terminating proxy.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found {
		return false
	}
	host, ok := authority(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	return ok && host == originHost
}

// authority lowercases host[:port], validates the port and strips it when it
// is the scheme's default.
func authority(raw, scheme string) (string, bool) {
	hostname, port, ok := splitHostPort(raw)
	if !ok || hostname == "" {
		return "", false
	}
	hostname = strings.ToLower(hostname)

	var n uint64
	if port != "" {
		var err error
		n, err = strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
	}
	if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
		n = 0
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if n != 0 {
		hostname += ":" + strconv.FormatUint(n, 10)
	}
	return hostname, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed; the
// returned hostname has the brackets removed.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if rest, found := strings.CutPrefix(raw, "["); found {
		hostname, rest, found = strings.Cut(rest, "]")
		if !found {
			return "", "", false
		}
		if rest == "" {
			return hostname, "", true
		}
		port, found = strings.CutPrefix(rest, ":")
		return hostname, port, found && port != ""
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", raw != ""
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		return hostname, port, hostname != "" && port != ""
	default:
		return "", "", false
	}
}
