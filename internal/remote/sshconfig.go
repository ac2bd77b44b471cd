package remote

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// SSHConfig is the subset of an ~/.ssh/config Host block we honour.
type SSHConfig struct {
	Host          string
	HostName      string
	User          string
	IdentityFile  string
	IdentityAgent string
	Port          string
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

// ParseSSHConfig reads ~/.ssh/config for host. A missing file or an
// unmatched host yields nil without error.
func ParseSSHConfig(host string) (*SSHConfig, error) {
	home := homeDir()
	if home == "" {
		return nil, nil
	}
	return ParseSSHConfigFrom(host, filepath.Join(home, ".ssh", "config"))
}

// ParseSSHConfigFrom is ParseSSHConfig on an explicit file.
func ParseSSHConfigFrom(host, configPath string) (*SSHConfig, error) {
	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open SSH config: %w", err)
	}
	defer f.Close()
	return parseSSHConfig(host, f, homeDir())
}

func expandHome(value, home string) string {
	if strings.HasPrefix(value, "~/") && home != "" {
		return filepath.Join(home, value[2:])
	}
	return value
}

// parseSSHConfig applies the first value seen for each keyword across all
// matching Host blocks, as ssh does.
func parseSSHConfig(host string, r io.Reader, home string) (*SSHConfig, error) {
	cfg := &SSHConfig{Host: host}
	matching, found := false, false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		keyword := strings.ToLower(parts[0])
		value := strings.Trim(strings.Join(parts[1:], " "), `"`)

		if keyword == "host" {
			matching = false
			for _, pattern := range parts[1:] {
				if MatchHost(host, pattern) {
					matching = true
				}
			}
			found = found || matching
			continue
		}
		if !matching {
			continue
		}

		set := func(field *string, v string) {
			if *field == "" {
				*field = v
			}
		}
		switch keyword {
		case "hostname":
			set(&cfg.HostName, value)
		case "user":
			set(&cfg.User, value)
		case "identityfile":
			set(&cfg.IdentityFile, expandHome(value, home))
		case "identityagent":
			set(&cfg.IdentityAgent, expandHome(value, home))
		case "port":
			set(&cfg.Port, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading SSH config: %w", err)
	}
	if !found {
		return nil, nil
	}
	return cfg, nil
}

// MatchHost reports whether target matches an ssh Host pattern. The * and
// ? wildcards are supported; negated patterns never match.
func MatchHost(target, pattern string) bool {
	if strings.HasPrefix(pattern, "!") {
		return false
	}
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}

// Target is a resolved ssh destination.
type Target struct {
	Host          string
	User          string
	Key           string
	IdentityAgent string
	Port          string
}

// Destination renders user@host, or host when no user is known.
func (t Target) Destination() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// ResolveTarget fills in a destination from ~/.ssh/config. Explicit user
// and key win over the config file; a user embedded in target wins over
// both.
func ResolveTarget(target, user, key string) (Target, error) {
	host := target
	if u, h, ok := strings.Cut(target, "@"); ok {
		user, host = u, h
	}
	t := Target{Host: host, User: user, Key: key}

	cfg, err := ParseSSHConfig(host)
	if err != nil {
		return Target{}, fmt.Errorf("failed to parse SSH config: %w", err)
	}
	if cfg == nil {
		return t, nil
	}
	if cfg.HostName != "" {
		t.Host = cfg.HostName
	}
	if t.User == "" {
		t.User = cfg.User
	}
	if t.Key == "" {
		t.Key = cfg.IdentityFile
	}
	t.IdentityAgent = cfg.IdentityAgent
	t.Port = cfg.Port
	return t, nil
}
