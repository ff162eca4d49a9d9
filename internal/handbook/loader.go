package handbook

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/helmsman-ai/helmsman/internal/types"
)

// Load reads and parses a handbook YAML document from disk.
func Load(path string) (*Handbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.HANDBOOK_LOAD_FAILED, "cannot read handbook file", err)
	}
	return Parse(data)
}

// Parse parses handbook YAML content and validates its structure.
func Parse(data []byte) (*Handbook, error) {
	var hb Handbook
	if err := yaml.Unmarshal(data, &hb); err != nil {
		return nil, types.WrapError(types.HANDBOOK_PARSE_FAILED, "handbook YAML did not parse", err)
	}

	if err := hb.Validate(); err != nil {
		return nil, types.WrapError(types.HANDBOOK_PARSE_FAILED, "handbook failed validation", err)
	}

	return &hb, nil
}
