package inbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"schemapilot/internal/domain/pipeline"
)

// Supported reports whether a file name carries a proposal document.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// DecodeDocument parses a YAML or JSON proposal document. Unknown fields are
// rejected so typos do not silently drop migration settings.
func DecodeDocument(name string, raw []byte) (pipeline.ProposalInput, error) {
	var in pipeline.ProposalInput
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			return pipeline.ProposalInput{}, fmt.Errorf("%w: decode %s: %v", pipeline.ErrInvalidProposal, name, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&in); err != nil {
			return pipeline.ProposalInput{}, fmt.Errorf("%w: decode %s: %v", pipeline.ErrInvalidProposal, name, err)
		}
	}
	return in, nil
}
