// Package clientconfig materializes the per-session irssi connection profile.
package clientconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"unicode"
)

const (
	// DefaultAddress is the service address sessions connect to.
	DefaultAddress = "127.0.0.1"
	// DefaultRealname is the realname advertised by every test identity.
	DefaultRealname = "Test User"
	// DefaultChatnet names the network block in the generated profile.
	DefaultChatnet = "testnet"
	// FileName is the config file written inside the session directory.
	FileName = "config"
)

// Identity is the nickname a session presents. Username defaults to the
// nickname and Realname to DefaultRealname.
type Identity struct {
	Nickname string
	Username string
	Realname string
}

// Target is the service endpoint.
type Target struct {
	Address  string
	Port     int
	Password string
}

// SessionConfig is the immutable result of Build.
type SessionConfig struct {
	Target   Target
	Identity Identity
	Chatnet  string
	Dir      string
	Path     string
}

// Builder renders and writes client configuration files.
type Builder struct {
	Chatnet string
}

var profileTemplate = template.Must(template.New("irssi").Funcs(template.FuncMap{
	"quote": quote,
}).Parse(`servers = (
  {
    address = "{{ quote .Target.Address }}";
    chatnet = "{{ quote .Chatnet }}";
    port = "{{ .Target.Port }}";
    password = "{{ quote .Target.Password }}";
    autoconnect = "no";
  }
);

chatnets = {
  {{ .Chatnet }} = {
    type = "IRC";
    nick = "{{ quote .Identity.Nickname }}";
    username = "{{ quote .Identity.Username }}";
    realname = "{{ quote .Identity.Realname }}";
  };
};

settings = {
  core = {
    real_name = "{{ quote .Identity.Realname }}";
    user_name = "{{ quote .Identity.Username }}";
    nick = "{{ quote .Identity.Nickname }}";
  };
  "fe-text" = { actlist_sort = "refnum"; };
};
`))

// Build validates identity and target, applies defaults, and writes the
// profile to <dir>/config with owner-only permissions.
func (b Builder) Build(identity Identity, target Target, dir string) (SessionConfig, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return SessionConfig{}, err
	}
	target, err = normalizeTarget(target)
	if err != nil {
		return SessionConfig{}, err
	}
	if strings.TrimSpace(dir) == "" {
		return SessionConfig{}, errors.New("session directory is required")
	}
	chatnet := strings.TrimSpace(b.Chatnet)
	if chatnet == "" {
		chatnet = DefaultChatnet
	}
	if !isBareWord(chatnet) {
		return SessionConfig{}, fmt.Errorf("chatnet %q must be alphanumeric", chatnet)
	}

	cfg := SessionConfig{
		Target:   target,
		Identity: identity,
		Chatnet:  chatnet,
		Dir:      dir,
		Path:     filepath.Join(dir, FileName),
	}

	rendered, err := Render(cfg)
	if err != nil {
		return SessionConfig{}, err
	}
	if err := os.WriteFile(cfg.Path, rendered, 0o600); err != nil {
		return SessionConfig{}, fmt.Errorf("write client config %q: %w", cfg.Path, err)
	}
	return cfg, nil
}

// Render returns the profile text for cfg without writing it.
func Render(cfg SessionConfig) ([]byte, error) {
	var out bytes.Buffer
	if err := profileTemplate.Execute(&out, cfg); err != nil {
		return nil, fmt.Errorf("render client config: %w", err)
	}
	return out.Bytes(), nil
}

func normalizeIdentity(identity Identity) (Identity, error) {
	identity.Nickname = strings.TrimSpace(identity.Nickname)
	if identity.Nickname == "" {
		return Identity{}, errors.New("nickname is required")
	}
	if strings.IndexFunc(identity.Nickname, unicode.IsSpace) >= 0 {
		return Identity{}, fmt.Errorf("nickname %q must not contain whitespace", identity.Nickname)
	}
	identity.Username = strings.TrimSpace(identity.Username)
	if identity.Username == "" {
		identity.Username = identity.Nickname
	}
	identity.Realname = strings.TrimSpace(identity.Realname)
	if identity.Realname == "" {
		identity.Realname = DefaultRealname
	}
	return identity, nil
}

func normalizeTarget(target Target) (Target, error) {
	target.Address = strings.TrimSpace(target.Address)
	if target.Address == "" {
		target.Address = DefaultAddress
	}
	if target.Port < 1 || target.Port > 65535 {
		return Target{}, fmt.Errorf("port %d out of range 1-65535", target.Port)
	}
	if err := ValidatePassword(target.Password); err != nil {
		return Target{}, err
	}
	return target, nil
}

// ValidatePassword rejects passwords that cannot travel as one /connect
// argument. Whitespace would split the argument and a newline would start a
// new client command. An empty password is allowed.
func ValidatePassword(password string) error {
	if index := strings.IndexFunc(password, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}); index >= 0 {
		return fmt.Errorf("password must not contain whitespace or control characters (offset %d)", index)
	}
	return nil
}

func quote(value string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ", "\r", " ").Replace(value)
}

func isBareWord(value string) bool {
	for _, r := range value {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return false
		}
	}
	return value != ""
}
