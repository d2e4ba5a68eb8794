// Package credentials loads broker logins from standard locations.
//
// A credentials file is TOML:
//
//	[control]
//	token = "..."
//
//	[broker]
//	user = "dcn"
//	password = "..."
//
//	[hosts.nats]
//	token = "..."
//
// [control] is the login for the control plane, [broker] the default login
// for queue brokers, and [hosts.<host>] overrides it for one broker host.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/dcn/control"
	"github.com/vinayprograms/dcn/queue"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Login holds one set of NATS credentials. Token wins over User/Password
// when both are set.
type Login struct {
	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// Empty reports whether l carries no credentials.
func (l Login) Empty() bool {
	return l.Token == "" && l.User == ""
}

// ApplyNATS copies l into a control plane configuration.
func (l Login) ApplyNATS(cfg *control.NATSConfig) {
	if l.Token != "" {
		cfg.Token = l.Token
		return
	}
	cfg.User, cfg.Password = l.User, l.Password
}

// ApplyQueue copies l into a broker configuration.
func (l Login) ApplyQueue(cfg *queue.Config) {
	if l.Token != "" {
		cfg.Token = l.Token
		return
	}
	cfg.User, cfg.Password = l.User, l.Password
}

// Credentials holds the logins loaded from credentials.toml.
type Credentials struct {
	Control Login            `toml:"control"`
	Broker  Login            `toml:"broker"`
	Hosts   map[string]Login `toml:"hosts"`
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{}

	// 1. Current directory
	paths = append(paths, "credentials.toml")

	// 2. ~/.config/dcn/credentials.toml
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dcn", "credentials.toml"))
	}

	// 3. ~/.dcn/credentials.toml (fallback)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".dcn", "credentials.toml"))
	}

	return paths
}

// Load loads credentials from the first available standard location
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil // No credentials file found (not an error)
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	// Check file permissions (Unix only)
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		// Credentials must be 0400 (owner read-only)
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	creds := &Credentials{}
	md, err := toml.DecodeFile(path, creds)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	return creds, nil
}

// ControlLogin returns the control plane login.
// Priority: [control] section > DCN_CONTROL_* environment variables
func (c *Credentials) ControlLogin() Login {
	if c != nil && !c.Control.Empty() {
		return c.Control
	}
	return fromEnv("CONTROL")
}

// BrokerLogin returns the login for a broker host.
// Priority: [hosts.<host>] section > [broker] section > DCN_BROKER_* environment variables
func (c *Credentials) BrokerLogin(host string) Login {
	if c != nil {
		if l, ok := c.Hosts[host]; ok && !l.Empty() {
			return l
		}
		// Hosts handed out with a port ("nats:4222") match their bare name.
		if i := strings.LastIndex(host, ":"); i > 0 {
			if l, ok := c.Hosts[host[:i]]; ok && !l.Empty() {
				return l
			}
		}
		if !c.Broker.Empty() {
			return c.Broker
		}
	}
	return fromEnv("BROKER")
}

// fromEnv reads DCN_<scope>_TOKEN, DCN_<scope>_USER and DCN_<scope>_PASSWORD.
func fromEnv(scope string) Login {
	prefix := "DCN_" + scope + "_"
	return Login{
		Token:    os.Getenv(prefix + "TOKEN"),
		User:     os.Getenv(prefix + "USER"),
		Password: os.Getenv(prefix + "PASSWORD"),
	}
}
