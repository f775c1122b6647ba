// Package engagement gates campaigns behind a written-authorization
// manifest. A campaign may only start when the manifest names the target
// host, the engagement window is open and the operator has acknowledged
// the authorization on record. The gate runs before any network I/O.
package engagement

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk record of one authorized engagement.
type Manifest struct {
	Engagement string   `yaml:"engagement"`
	Client     string   `yaml:"client"`
	Contact    string   `yaml:"contact,omitempty"`
	Window     Window   `yaml:"window"`
	Targets    []string `yaml:"targets"`
}

// Window bounds when testing is authorized.
type Window struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// Load reads and validates an engagement manifest.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engagement manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse engagement manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("engagement manifest %s: %w", path, err)
	}

	return &m, nil
}

// Validate checks the manifest is complete enough to authorize anything.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Engagement) == "" {
		return fmt.Errorf("missing engagement name")
	}
	if strings.TrimSpace(m.Client) == "" {
		return fmt.Errorf("missing client")
	}
	if m.Window.Start.IsZero() || m.Window.End.IsZero() {
		return fmt.Errorf("window start and end are required")
	}
	if !m.Window.End.After(m.Window.Start) {
		return fmt.Errorf("window end %s is not after start %s",
			m.Window.End.Format(time.RFC3339), m.Window.Start.Format(time.RFC3339))
	}
	if len(m.Targets) == 0 {
		return fmt.Errorf("no authorized targets")
	}
	for _, target := range m.Targets {
		if err := validateTarget(target); err != nil {
			return err
		}
	}
	return nil
}

// validateTarget accepts exact hosts and *.suffix wildcards, nothing
// broader. A bare * would authorize the whole internet.
func validateTarget(target string) error {
	t := strings.ToLower(strings.TrimSpace(target))
	if t == "" {
		return fmt.Errorf("empty target entry")
	}
	if strings.HasPrefix(t, "*.") {
		t = strings.TrimPrefix(t, "*.")
		if t == "" {
			return fmt.Errorf("wildcard target must name a domain suffix")
		}
	}
	if strings.Contains(t, "*") {
		return fmt.Errorf("unsupported wildcard in target %q, only *.suffix is allowed", target)
	}
	return nil
}
