package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/possync/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var documentSchemas = map[types.WriteKind]string{
	types.KindInvoice: "schemas/invoice.json",
	types.KindPayment: "schemas/payment.json",
}

// DocumentValidator checks business documents against their JSON Schema
// before they are queued.
type DocumentValidator struct {
	schemas map[types.WriteKind]*jsonschema.Schema
}

// NewDocumentValidator compiles the embedded invoice and payment schemas.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	v := &DocumentValidator{schemas: make(map[types.WriteKind]*jsonschema.Schema)}
	for kind, path := range documentSchemas {
		raw, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", path, err)
		}
		if err := c.AddResource(path, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", path, err)
		}
		sch, err := c.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", path, err)
		}
		v.schemas[kind] = sch
	}
	return v, nil
}

// Validate returns the problems found in doc, or nil when it is valid.
func (v *DocumentValidator) Validate(kind types.WriteKind, doc json.RawMessage) []ValidationError {
	sch, ok := v.schemas[kind]
	if !ok {
		return []ValidationError{{Field: "kind", Message: fmt.Sprintf("unknown document kind %q", kind)}}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return []ValidationError{{Field: "document", Message: "must be valid JSON"}}
	}

	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ValidationError{{Field: "document", Message: err.Error()}}
	}

	var c Collector
	for _, unit := range verr.BasicOutput().Errors {
		if unit.Error == nil {
			continue
		}
		c.Add(&ValidationError{Field: unit.InstanceLocation, Message: unit.Error.String()})
	}
	if !c.HasErrors() {
		c.Add(&ValidationError{Field: "document", Message: verr.Error()})
	}
	return c.Errors()
}
