package verify

import (
	"fmt"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
)

// New selects a verifier by name. An unknown name is a configuration
// problem the operator must fix before any attempt is made.
func New(name string, cfg config.VerifyConfig, log *logger.Logger) (core.Verifier, error) {
	switch name {
	case "", "httpapi":
		return NewAPIVerifier(cfg, log), nil
	case "form":
		return NewFormVerifier(cfg, log), nil
	case "headless":
		return NewHeadlessVerifier(cfg, log), nil
	case "ssh":
		return NewSSHVerifier(cfg, log), nil
	case "ldap":
		return NewLDAPVerifier(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown verifier %q (have httpapi, form, headless, ssh, ldap)", name)
	}
}
