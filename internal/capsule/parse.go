package capsule

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse decodes raw as a capsule document and structurally validates it.
// Capsules are authored as YAML; JSON is valid YAML too, so a caller that
// already has a JSON body can pass it through unchanged.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("capsule: parse: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}
