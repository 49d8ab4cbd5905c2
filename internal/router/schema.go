package router

import (
	"bytes"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateInputSchema confirms a provider-declared tool inputSchema is
// itself a well-formed JSON Schema document at catalog-ingest time.
// Validation is advisory: a bad schema logs a
// warning but does not drop the route, since the tool may still be
// callable with loose arguments).
func validateInputSchema(schema []byte) error {
	if len(schema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inputSchema.json", bytes.NewReader(schema)); err != nil {
		return err
	}
	_, err := compiler.Compile("inputSchema.json")
	return err
}
