// Package hardening refuses to start a production gateway with an unsafe
// configuration. The checks run once at boot, before any listener opens.
package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	CORSAllowedOrigins string
	AuthMode           string
	RequiredSecrets    []EnvRequirement
}

// ValidateProduction enforces strict settings in prod-like environments.
// Non-production environments always pass, as does an explicit
// STRICT_PROD_SECURITY=false escape hatch.
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
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: production requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" && !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: production requires REDIS_REQUIRE_TLS=true", service)
	}
	mode := strings.ToLower(strings.TrimSpace(o.AuthMode))
	if mode == "" || mode == "off" {
		return fmt.Errorf("%s: production forbids AUTH_MODE=off", service)
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: production requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: production forbids CORS wildcard origin", service)
		}
		if strings.Contains(lower, "localhost") || strings.Contains(lower, "127.0.0.1") {
			return fmt.Errorf("%s: production forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: production requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: production requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
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
