package identity

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/httpclient"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

const maxRosterBytes = 1 << 20

// LoadSpecs assembles the identity roster from config: the direct path,
// literal proxy entries, a roster file or URL, and the Tor circuit. Order
// is preserved; duplicates are dropped.
func LoadSpecs(cfg config.IdentityConfig) ([]types.IdentitySpec, error) {
	var specs []types.IdentitySpec

	if cfg.IncludeDirect {
		specs = append(specs, types.IdentitySpec{Kind: types.IdentityKindDirect})
	}

	for _, entry := range cfg.Sources {
		spec, err := parseProxyLine(entry)
		if err != nil {
			return nil, fmt.Errorf("identity source %q: %w", entry, err)
		}
		specs = append(specs, spec)
	}

	if cfg.RosterFile != "" {
		loaded, err := loadRoster(cfg.RosterFile)
		if err != nil {
			return nil, err
		}
		specs = append(specs, loaded...)
	}

	if cfg.UseTor {
		specs = append(specs, types.IdentitySpec{
			Kind:     types.IdentityKindTorCircuit,
			Endpoint: cfg.TorSocksAddr,
		})
	}

	return dedupeSpecs(specs), nil
}

// loadRoster reads a roster from a local file or an http(s) URL. YAML
// rosters carry full identity specs; anything else is one proxy per line.
func loadRoster(source string) ([]types.IdentitySpec, error) {
	var data []byte

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := httpclient.NewClient(httpclient.ClientConfig{
			Timeout:         30 * time.Second,
			FollowRedirects: true,
			MaxRedirects:    5,
		})
		resp, err := client.Get(source)
		if err != nil {
			return nil, fmt.Errorf("fetch roster %s: %w", source, err)
		}
		defer httpclient.CloseBody(resp)
		if resp.StatusCode != 200 {
			return nil, fmt.Errorf("fetch roster %s: status %d", source, resp.StatusCode)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxRosterBytes))
		if err != nil {
			return nil, fmt.Errorf("read roster %s: %w", source, err)
		}
	} else {
		var err error
		data, err = os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read roster: %w", err)
		}
	}

	if strings.HasSuffix(source, ".yaml") || strings.HasSuffix(source, ".yml") {
		return parseYAMLRoster(data)
	}
	return parseTextRoster(data)
}

func parseTextRoster(data []byte) ([]types.IdentitySpec, error) {
	var specs []types.IdentitySpec
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		spec, err := parseProxyLine(line)
		if err != nil {
			return nil, fmt.Errorf("roster line %d: %w", n+1, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseYAMLRoster(data []byte) ([]types.IdentitySpec, error) {
	var specs []types.IdentitySpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse roster yaml: %w", err)
	}
	out := make([]types.IdentitySpec, 0, len(specs))
	for n, spec := range specs {
		normalized, err := normalizeSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("roster entry %d: %w", n+1, err)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// parseProxyLine accepts the common one-line proxy notations: a full URL,
// or bare host:port which defaults to an http proxy.
func parseProxyLine(line string) (types.IdentitySpec, error) {
	if !strings.Contains(line, "://") {
		line = "http://" + line
	}
	return normalizeSpec(types.IdentitySpec{Endpoint: line})
}

// normalizeSpec fills in the kind from the endpoint scheme and moves
// embedded credentials into their own fields so endpoints can be logged.
func normalizeSpec(spec types.IdentitySpec) (types.IdentitySpec, error) {
	switch spec.Kind {
	case types.IdentityKindDirect:
		return spec, nil
	case types.IdentityKindTorCircuit:
		return spec, nil
	case types.IdentityKindHTTPProxy, types.IdentityKindSOCKS5, "":
	default:
		return spec, fmt.Errorf("unknown identity kind %q", spec.Kind)
	}

	if spec.Endpoint == "" {
		return spec, fmt.Errorf("proxy identity needs an endpoint")
	}
	if !strings.Contains(spec.Endpoint, "://") {
		spec.Endpoint = "http://" + spec.Endpoint
	}

	u, err := url.Parse(spec.Endpoint)
	if err != nil {
		return spec, fmt.Errorf("invalid endpoint %q: %w", spec.Endpoint, err)
	}
	if u.Host == "" {
		return spec, fmt.Errorf("endpoint %q has no host", spec.Endpoint)
	}

	switch u.Scheme {
	case "http", "https":
		spec.Kind = types.IdentityKindHTTPProxy
	case "socks5", "socks5h", "socks":
		spec.Kind = types.IdentityKindSOCKS5
		u.Scheme = "socks5"
	default:
		return spec, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	if u.User != nil {
		if spec.Username == "" {
			spec.Username = u.User.Username()
			spec.Password, _ = u.User.Password()
		}
		u.User = nil
	}
	spec.Endpoint = u.String()
	return spec, nil
}

func dedupeSpecs(specs []types.IdentitySpec) []types.IdentitySpec {
	seen := make(map[string]bool, len(specs))
	out := specs[:0]
	for _, spec := range specs {
		key := string(spec.Kind) + "|" + spec.Endpoint + "|" + spec.Username
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, spec)
	}
	return out
}

// redactEndpoint hides any credential material an endpoint URL might still
// carry before it reaches logs or the status API.
func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.User == nil {
		return endpoint
	}
	return u.Redacted()
}
