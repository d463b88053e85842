package utils

import "strings"

// NormalizeHost guarantees a scheme prefix on a service host. Bare
// hostnames get https.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.TrimSuffix(host, "/"))
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}
