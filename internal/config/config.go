package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
	ProxyConfig
	BrowserConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetDataFolder() string
	GetEnv() string
	GetLogLevel() string
	GetWebOrigin() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Security
	Proxy
	Browser
}

func New() Config {
	return mainConfig{}
}

// Load reads an optional .env file into the process environment, then
// validates the result. Variables already set win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("[config Load] godotenv: %w", err)
	}
	c := New()
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate fails when a required secret is absent so the process never
// starts half-configured.
func Validate(c Config) error {
	required := map[string]string{
		baseURLVar:       c.GetBaseURL(),
		clientIDVar:      c.GetClientID(),
		clientSecretVar:  c.GetClientSecret(),
		redirectURIVar:   c.GetRedirectURI(),
		encryptionKeyVar: c.GetEncryptionKey(),
		secretKeyVar:     c.GetSecretKey(),
	}
	var missing []string
	for _, name := range requiredOrder {
		if strings.TrimSpace(required[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("[config Validate] missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

var requiredOrder = []string{baseURLVar, clientIDVar, clientSecretVar, redirectURIVar, encryptionKeyVar, secretKeyVar}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
