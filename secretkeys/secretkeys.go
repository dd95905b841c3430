package secretkeys

import (
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	EnvKey    = "BITRISE_SECRET_ENV_KEY_LIST"
	separator = ","
	mask      = "[REDACTED]"
)

// Manager reads the list of secret env var keys the CI exposes to the step.
type Manager interface {
	Load(envRepository env.Repository) []string
}

type manager struct {
}

func NewManager() Manager {
	return manager{}
}

func (manager) Load(envRepository env.Repository) []string {
	value := envRepository.Get(EnvKey)
	var keys []string
	for _, key := range strings.Split(value, separator) {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// Redactor masks secret values in text meant for logs.
type Redactor struct {
	values []string
}

// NewRedactor creates a Redactor for the given secret values. Empty values are ignored.
func NewRedactor(values ...string) Redactor {
	var nonEmpty []string
	for _, v := range values {
		if v != "" {
			nonEmpty = append(nonEmpty, v)
		}
	}
	// Longest first, so a secret containing another one is masked as a whole.
	sort.Slice(nonEmpty, func(i, j int) bool { return len(nonEmpty[i]) > len(nonEmpty[j]) })
	return Redactor{values: nonEmpty}
}

// NewRedactorFromEnv collects the values of every secret key listed in the environment,
// plus the explicitly given extra values.
func NewRedactorFromEnv(m Manager, envRepository env.Repository, extra ...string) Redactor {
	values := append([]string{}, extra...)
	for _, key := range m.Load(envRepository) {
		values = append(values, envRepository.Get(key))
	}
	return NewRedactor(values...)
}

// Redact replaces every occurrence of a secret value in s.
func (r Redactor) Redact(s string) string {
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, mask)
	}
	return s
}
