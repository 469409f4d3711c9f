package config

import "time"

type BrowserConfig interface {
	GetBrowserMaxSessionAge() time.Duration
	GetBrowserHeadless() bool
	GetBrowserUserAgent() string
	GetZombieSweepInterval() time.Duration
}

type Browser struct{}

var _ BrowserConfig = Browser{}

// GetBrowserMaxSessionAge bounds how long a login may wait for a human.
func (Browser) GetBrowserMaxSessionAge() time.Duration {
	return GetEnvDuration("BROWSER_MAX_SESSION_AGE", 15*time.Minute)
}

func (Browser) GetBrowserHeadless() bool {
	return GetEnvBool("BROWSER_HEADLESS", false)
}

func (Browser) GetBrowserUserAgent() string {
	return GetEnv("BROWSER_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
}

func (Browser) GetZombieSweepInterval() time.Duration {
	return time.Minute
}
