package config

import "time"

// ProxyConfig configures the guarded forwarder and its SSRF policy.
type ProxyConfig interface {
	GetProxyAllowlist() []string
	GetProxyAllowlistSuffixes() []string
	GetProxyAllowedSchemes() []string
	GetProxyBlockPrivateIPs() bool
	GetProxyMaxRedirects() int
	GetProxyConnectTimeout() time.Duration
	GetProxyReadTimeout() time.Duration
	GetRateLimit() float64
}

type Proxy struct{}

var _ ProxyConfig = Proxy{}

func (Proxy) GetProxyAllowlist() []string {
	return GetEnvList("PROXY_ALLOWLIST", nil)
}

func (Proxy) GetProxyAllowlistSuffixes() []string {
	return GetEnvList("PROXY_ALLOWLIST_SUFFIX", nil)
}

func (Proxy) GetProxyAllowedSchemes() []string {
	return GetEnvList("PROXY_ALLOWED_SCHEMES", []string{"http", "https"})
}

func (Proxy) GetProxyBlockPrivateIPs() bool {
	return GetEnvBool("PROXY_BLOCK_PRIVATE_IPS", true)
}

func (Proxy) GetProxyMaxRedirects() int {
	return GetEnvInt("PROXY_MAX_REDIRECTS", 5)
}

func (Proxy) GetProxyConnectTimeout() time.Duration {
	return GetEnvDuration("PROXY_CONNECT_TIMEOUT", 6*time.Second)
}

func (Proxy) GetProxyReadTimeout() time.Duration {
	return GetEnvDuration("PROXY_READ_TIMEOUT", 15*time.Second)
}

// GetRateLimit is requests per second per forwarder session; 0 disables it.
func (Proxy) GetRateLimit() float64 {
	return GetEnvFloat("PROXY_RATE_LIMIT", 0)
}
