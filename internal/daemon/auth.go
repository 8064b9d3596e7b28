package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
)

// PeerCred identifies the OS process on the other end of a unix socket.
type PeerCred struct {
	PID int32
	UID uint32
	GID uint32
}

// peerCred reads SO_PEERCRED off a unix connection. Returns an error for
// non-unix sockets (TLS connections are authenticated by certificate
// instead).
func peerCred(conn net.Conn) (*PeerCred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("peer credentials unavailable for %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}
	var cred *unix.Ucred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return nil, fmt.Errorf("socket control: %w", ctrlErr)
	}
	if credErr != nil {
		return nil, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	return &PeerCred{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}

// TeamRule maps OS identities to a team and the agent-name prefix its
// members must register under.
type TeamRule struct {
	Name       string   `toml:"name"`
	UIDs       []uint32 `toml:"uids"`
	GIDs       []uint32 `toml:"gids"`
	NamePrefix string   `toml:"name_prefix"`
}

// AuthConfig is the optional TOML policy gating who may register which
// agent names. With no config file every local process is trusted, which
// matches the filesystem permissions already guarding the socket.
type AuthConfig struct {
	Teams []TeamRule `toml:"teams"`
}

// LoadAuthConfig parses the TOML policy at path. A missing file yields an
// open (allow-all) config.
func LoadAuthConfig(path string) (*AuthConfig, error) {
	var cfg AuthConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &AuthConfig{}, nil
		}
		return nil, fmt.Errorf("parse auth config %s: %w", path, err)
	}
	return &cfg, nil
}

// Open reports whether the config imposes no restrictions.
func (a *AuthConfig) Open() bool {
	return a == nil || len(a.Teams) == 0
}

// Authorize checks that the given peer may register agentName. It returns
// the matched team name, or an error when a team rule matches the peer
// but the name falls outside the team's prefix. Peers matching no rule
// are allowed without a team.
func (a *AuthConfig) Authorize(cred *PeerCred, agentName string) (team string, err error) {
	if a.Open() || cred == nil {
		return "", nil
	}
	for _, rule := range a.Teams {
		if !rule.matches(cred) {
			continue
		}
		if rule.NamePrefix != "" && !strings.HasPrefix(agentName, rule.NamePrefix) {
			return "", fmt.Errorf("team %s requires agent name prefix %q", rule.Name, rule.NamePrefix)
		}
		return rule.Name, nil
	}
	return "", nil
}

func (r *TeamRule) matches(cred *PeerCred) bool {
	for _, uid := range r.UIDs {
		if cred.UID == uid {
			return true
		}
	}
	for _, gid := range r.GIDs {
		if cred.GID == gid {
			return true
		}
	}
	return false
}
