package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// encryptedPrefix marks values that are ciphertext references rather than
// usable credentials. Such values must be re-resolved through the resolver.
const encryptedPrefix = "AQICAH"

// Resolver fetches secret values by parameter name.
type Resolver interface {
	Resolve(name string) (string, error)
}

// FileResolver reads parameters from files under a directory
// (one file per parameter, contents are the value).
type FileResolver struct {
	Dir string
}

// Resolve reads the named parameter file.
func (r FileResolver) Resolve(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to read parameter %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// EnvResolver reads parameters from environment variables.
type EnvResolver struct{}

// Resolve looks up the named environment variable.
func (EnvResolver) Resolve(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("parameter %s not set", name)
	}
	return v, nil
}

// Secrets resolves credentials lazily and caches them for the process
// lifetime. A credential may be provided directly (possibly with ${ENV_VAR}
// expansion) or as a parameter name resolved through the Resolver.
type Secrets struct {
	mu       sync.Mutex
	resolver Resolver
	cache    map[string]string
}

// NewSecrets creates a secret cache backed by the given resolver.
func NewSecrets(resolver Resolver) *Secrets {
	return &Secrets{
		resolver: resolver,
		cache:    make(map[string]string),
	}
}

// Credential returns the usable credential for a (value, parameterName)
// pair. Resolution order:
//   - parameterName set: resolve through the resolver (cached).
//   - value looks encrypted: treat it as a reference and resolve it.
//   - otherwise: expand ${ENV_VAR} references in the literal value.
func (s *Secrets) Credential(value, parameterName string) (string, error) {
	if parameterName != "" {
		return s.resolveCached(parameterName)
	}
	if IsEncrypted(value) {
		return s.resolveCached(value)
	}
	return ResolveEnvVars(value), nil
}

func (s *Secrets) resolveCached(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache[name]; ok {
		return v, nil
	}
	v, err := s.resolver.Resolve(name)
	if err != nil {
		return "", err
	}
	s.cache[name] = v
	return v, nil
}

// IsEncrypted reports whether a value is ciphertext rather than a usable
// credential.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}
