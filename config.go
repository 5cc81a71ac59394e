package swcache

import (
	"os"

	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	Rules Rules `yaml:"rules"`
}

// LoadRules reads a rule set from a yaml file. Deployments use this to
// override the default TTLs and patterns.
func LoadRules(filename string) (Rules, error) {
	var file rulesFile
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	return file.Rules, nil
}
