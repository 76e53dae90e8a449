package shared

import (
	"os"

	"gopkg.in/yaml.v2"

	"homewatch/internal/domain"
)

// Profile is a named, saved search. Flags given on the command line override
// its fields.
type Profile struct {
	Source string `yaml:"source"`
	Notify *bool  `yaml:"notify"`

	Query domain.QueryInput `yaml:"query"`
}

// LoadProfile reads a YAML profile. Unknown keys are rejected so typos do not
// silently widen a search.
func LoadProfile(path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, domain.ConfigErrorf("open profile %s: %v", path, err)
	}
	defer f.Close()

	var p Profile
	dec := yaml.NewDecoder(f)
	dec.SetStrict(true)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, domain.ConfigErrorf("parse profile %s: %v", path, err)
	}
	return p, nil
}
