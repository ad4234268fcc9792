package permissions

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the permissions file format, for
// operator tooling and config validation pipelines.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	s := r.Reflect(&Config{})
	s.Title = "MCP proxy permissions"
	s.Description = "Role-to-method authorization map. Method sets support the \"*\" wildcard; a blocked method always dominates an allowed one within the same role."
	return json.MarshalIndent(s, "", "  ")
}
