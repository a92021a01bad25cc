// Package hardening gates service startup on a minimum production posture.
// arenad and relayd refuse to boot in production-like environments with
// plaintext backends, wildcard CORS or missing service secrets.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret that must be set in production.
type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction is a no-op outside production-like environments and when
// STRICT_PROD_SECURITY is explicitly disabled. Otherwise the first violated
// check aborts startup.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	checks := []func(Options, string) error{
		checkDatabaseTLS,
		checkRedisTLS,
		checkCORSOrigins,
		checkServiceSecrets,
	}
	for _, check := range checks {
		if err := check(o, service); err != nil {
			return err
		}
	}
	return nil
}

func checkDatabaseTLS(o Options, service string) error {
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	return nil
}

func checkRedisTLS(o Options, service string) error {
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
		return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
	}
	return nil
}

func checkCORSOrigins(o Options, service string) error {
	validCount := 0
	for _, origin := range strings.Split(o.CORSAllowedOrigins, ",") {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(trimmed)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		case isLocalhostOrigin(lower):
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, trimmed)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, trimmed)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func checkServiceSecrets(o Options, service string) error {
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func isLocalhostOrigin(lower string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
