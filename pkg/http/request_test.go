package http_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestResolveClientIdentity_PrefersFirstForwardedAddress(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.42, 10.0.0.5")
	req.Header.Set("X-Real-IP", "198.51.100.7")

	assert.Equal(t, "203.0.113.42", pkghttp.ResolveClientIdentity(req, nil))
}

func TestResolveClientIdentity_SkipsInvalidForwardedEntries(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "garbage, 203.0.113.9")

	assert.Equal(t, "203.0.113.9", pkghttp.ResolveClientIdentity(req, nil))
}

func TestResolveClientIdentity_FallsBackToRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.7")

	assert.Equal(t, "198.51.100.7", pkghttp.ResolveClientIdentity(req, nil))
}

func TestResolveClientIdentity_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:443"

	assert.Equal(t, "203.0.113.10", pkghttp.ResolveClientIdentity(req, nil))
}

func TestResolveClientIdentity_UntrustedPeerCannotSpoof(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	config := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}

	assert.Equal(t, "203.0.113.10", pkghttp.ResolveClientIdentity(req, config))
}

func TestResolveClientIdentity_TrustedProxyForwards(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.42")

	config := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}

	assert.Equal(t, "203.0.113.42", pkghttp.ResolveClientIdentity(req, config))
}

func TestResolveClientIdentity_HashesCredentialWhenNoAddress(t *testing.T) {
	secret := "bst_supersecretvalue"
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = ""
	req.Header.Set("X-API-Key", secret)

	identity := pkghttp.ResolveClientIdentity(req, nil)

	assert.True(t, strings.HasPrefix(identity, "key:"))
	assert.NotContains(t, identity, secret, "raw credential must never appear in the identity")
	assert.Equal(t, "key:"+pkghttp.HashCredential(secret), identity)
}

func TestResolveClientIdentity_BearerTokenHashed(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = ""
	req.Header.Set("Authorization", "Bearer abc.def.ghi")

	identity := pkghttp.ResolveClientIdentity(req, nil)

	assert.Equal(t, "key:"+pkghttp.HashCredential("abc.def.ghi"), identity)
}

func TestResolveClientIdentity_UnknownBucket(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = ""

	assert.Equal(t, pkghttp.UnknownIdentity, pkghttp.ResolveClientIdentity(req, nil))
}

func TestResolveClientIdentity_Stable(t *testing.T) {
	newReq := func() string {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = ""
		req.Header.Set("X-API-Key", "same-key")
		return pkghttp.ResolveClientIdentity(req, nil)
	}

	assert.Equal(t, newReq(), newReq())
}

func TestExtractClientIP_DirectConnection_IgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	req.Header.Set("X-Real-IP", "192.168.1.1")

	config := &pkghttp.IPConfig{
		TrustedProxies: []string{"10.0.0.0/8", "127.0.0.1/32"},
	}

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_NoConfig_DefaultsSecurely(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	assert.Equal(t, "10.0.0.5", pkghttp.ExtractClientIP(req, nil))
}

func TestExtractClientIP_IPv6_TrustedProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[fd00::1]:54321"
	req.Header.Set("X-Forwarded-For", "2001:db8::42")

	config := &pkghttp.IPConfig{TrustedProxies: []string{"fd00::/8"}}

	assert.Equal(t, "2001:db8::42", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_InvalidCIDR_IgnoresProxyCheck(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	config := &pkghttp.IPConfig{TrustedProxies: []string{"not-a-cidr"}}

	assert.Equal(t, "10.0.0.5", pkghttp.ExtractClientIP(req, config))
}
