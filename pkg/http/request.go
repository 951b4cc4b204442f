package http

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// UnknownIdentity is the shared bucket for requests carrying nothing identifiable
const UnknownIdentity = "unknown"

// credentialIdentityPrefix marks identities derived from a hashed credential
const credentialIdentityPrefix = "key:"

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies
}

// ResolveClientIdentity derives the stable key used by the rate limiter and login guard.
//
// Order:
// 1. First valid X-Forwarded-For entry, then X-Real-IP
// 2. The direct connection address
// 3. "key:" + SHA-256 prefix of a presented credential (Authorization or X-API-Key)
// 4. "unknown"
//
// Forwarded headers are honoured from any peer unless TrustedProxies is set,
// in which case only requests arriving from those ranges may use them.
func ResolveClientIdentity(r *http.Request, config *IPConfig) string {
	remoteIP := remoteHost(r)

	if forwardedAllowed(remoteIP, config) {
		if ip := forwardedIP(r); ip != "" {
			return ip
		}
	}

	if remoteIP != "" {
		return remoteIP
	}

	if credential := presentedCredential(r); credential != "" {
		return credentialIdentityPrefix + HashCredential(credential)
	}

	return UnknownIdentity
}

// ExtractClientIP extracts the real client IP address from the request
// It validates X-Forwarded-For and X-Real-IP headers only from trusted proxies
// to prevent IP spoofing attacks via header manipulation
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := remoteHost(r)

	if config != nil && isTrustedProxy(remoteIP, config.TrustedProxies) {
		if ip := forwardedIP(r); ip != "" {
			return ip
		}
	}

	if remoteIP == "" {
		return UnknownIdentity
	}
	return remoteIP
}

// HashCredential returns a short hex SHA-256 prefix of a secret, safe for keys and logs
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

func forwardedAllowed(remoteIP string, config *IPConfig) bool {
	if config == nil || len(config.TrustedProxies) == 0 {
		return true
	}
	return isTrustedProxy(remoteIP, config.TrustedProxies)
}

// forwardedIP returns the first valid address from X-Forwarded-For, then X-Real-IP
func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, ip := range strings.Split(xff, ",") {
			ip = strings.TrimSpace(ip)
			if isValidIP(ip) {
				return ip
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && isValidIP(xri) {
		return xri
	}

	return ""
}

// presentedCredential returns the bearer token or API key on the request, if any
func presentedCredential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}

	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return strings.TrimSpace(token)
	}

	return ""
}

// remoteHost extracts the IP address from RemoteAddr (removing port if present)
func remoteHost(r *http.Request) string {
	if r.RemoteAddr == "" {
		return ""
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// isTrustedProxy checks if an IP address is within any of the trusted proxy CIDR ranges
func isTrustedProxy(ip string, trustedProxies []string) bool {
	if len(trustedProxies) == 0 {
		return false
	}

	clientIP := net.ParseIP(ip)
	if clientIP == nil {
		return false
	}

	for _, cidr := range trustedProxies {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // Skip invalid CIDR ranges
		}
		if ipNet.Contains(clientIP) {
			return true
		}
	}

	return false
}

// isValidIP checks if a string is a valid IPv4 or IPv6 address
func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}
