package s2s

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// policyFile is the on-disk shape of a service's route policy, loaded at
// bootstrap and installed into a Store. The source of truth is left to
// the operator — a YAML file, a mounted ConfigMap, whatever fits.
type policyFile struct {
	Slug         string `yaml:"slug"`
	MajorVersion int    `yaml:"majorVersion"`
	Revision     int    `yaml:"revision"`
	Rules        []struct {
		Method        string `yaml:"method"`
		PathPattern   string `yaml:"pathPattern"`
		Public        bool   `yaml:"public"`
		UserAssertion string `yaml:"userAssertion"`
		OpID          string `yaml:"opId"`
	} `yaml:"rules"`
}

// LoadPolicyFile reads a route policy from a YAML file and installs it
// into store.
func LoadPolicyFile(store *Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("s2s: read policy file %s: %w", path, err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("s2s: parse policy file %s: %w", path, err)
	}

	p := Policy{Slug: pf.Slug, MajorVersion: pf.MajorVersion, Revision: pf.Revision}
	for _, r := range pf.Rules {
		p.Rules = append(p.Rules, Rule{
			Method:        r.Method,
			PathPattern:   r.PathPattern,
			Public:        r.Public,
			UserAssertion: UserAssertionMode(r.UserAssertion),
			OpID:          r.OpID,
		})
	}
	return store.Load(p)
}
