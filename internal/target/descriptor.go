// Package target maps the per-repository, per-server deployment configuration
// into validated, immutable Descriptors and resolves them by repository.
package target

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects the execution strategy for a target.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// KeyType selects how a remote target's private key file is decoded.
type KeyType string

const (
	// KeyTypePEM covers OpenSSH and PEM encoded keys.
	KeyTypePEM KeyType = "pem"
	// KeyTypePPK covers PuTTY private key files.
	KeyTypePPK KeyType = "ppk"
)

const (
	DefaultBranch  = "main"
	DefaultSSHPort = 22

	// serverKeyPrefix marks the entries of a repository block that are targets.
	serverKeyPrefix = "server"
)

var (
	// ErrConfiguration wraps every invalid target definition found at load.
	ErrConfiguration = errors.New("invalid deployment configuration")

	// ErrNotFound is returned when no target is configured for a repository.
	ErrNotFound = errors.New("no deployment target configured")
)

// Key identifies one deployment destination.
type Key struct {
	Repository string
	Server     string
}

func (k Key) String() string {
	return k.Repository + "@" + k.Server
}

// Descriptor is the validated configuration of one (repository, server) target.
// Descriptors are never mutated after load.
type Descriptor struct {
	Repository   string
	Server       string
	Kind         Kind
	CloneURL     string
	DeployDir    string
	CreateDir    bool
	Branch       string
	ForceRebuild bool
	Tasks        []string
	TasksOnly    bool
	Sudo         bool

	// StepTimeout overrides the global per-step timeout when non-zero.
	StepTimeout time.Duration

	// Remote only.
	Host          string
	Port          int
	User          string
	KeyType       KeyType
	KeyPath       string
	KeyPassphrase string
	KnownHosts    string
}

// Key returns the lock and lookup key of the descriptor.
func (d *Descriptor) Key() Key {
	return Key{Repository: d.Repository, Server: d.Server}
}

// IsRemote reports whether steps run over SSH.
func (d *Descriptor) IsRemote() bool {
	return d.Kind == KindRemote
}

// MatchesBranch reports whether a pushed branch should deploy this target.
func (d *Descriptor) MatchesBranch(branch string) bool {
	return branch == d.Branch
}

// Address returns host:port for remote targets.
func (d *Descriptor) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// IsServerKey reports whether a key of a repository block names a target.
func IsServerKey(key string) bool {
	return strings.HasPrefix(key, serverKeyPrefix)
}
