package selector

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ProfileConfig is the on-disk form of task preference lists:
//
//	selector:
//	  profiles:
//	    default: [anthropic, openai]
//	    review: [openai, anthropic]
type ProfileConfig struct {
	Profiles map[string][]string `yaml:"profiles"`
}

// LoadProfiles reads task profiles from a YAML file with a top-level
// "selector" key.
func LoadProfiles(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "selector: read profiles %s", path)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes profile YAML. Empty lists are dropped so they fall
// back to the default profile.
func ParseProfiles(data []byte) (map[string][]string, error) {
	var wrapper struct {
		Selector ProfileConfig `yaml:"selector"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "selector: parse profiles")
	}

	out := make(map[string][]string, len(wrapper.Selector.Profiles))
	for task, order := range wrapper.Selector.Profiles {
		if len(order) == 0 {
			continue
		}
		out[task] = order
	}
	return out, nil
}
