package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LoadDetectors reads detector definitions from a YAML file with a
// top-level "detectors" key, keyed by signal name:
//
//	detectors:
//	  domain_authority:
//	    kind: http
//	    url: https://authority.example.com/v1/{domain}
//	    unit: score
//	    value_path: data.rank
func LoadDetectors(path string) (map[string]DetectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read detectors %s", path)
	}

	var wrapper struct {
		Detectors map[string]DetectorConfig `yaml:"detectors"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "config: parse detectors")
	}
	if len(wrapper.Detectors) == 0 {
		return nil, eris.Wrapf(ErrInvalid, "config: no detectors defined in %s", path)
	}

	for name, d := range wrapper.Detectors {
		if d.Method == "" && d.Kind == "http" {
			d.Method = "GET"
		}
		wrapper.Detectors[name] = d
	}
	return wrapper.Detectors, nil
}
