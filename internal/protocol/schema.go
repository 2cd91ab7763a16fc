package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://catchdex.io/schemas/"

// Validator checks inbound client messages against the embedded schemas.
type Validator struct {
	hello       *jsonschema.Schema
	interaction *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	for _, name := range []string{"hello.schema.json", "interaction.schema.json"} {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	v := &Validator{}
	var err error
	if v.hello, err = c.Compile(schemaBase + "hello.schema.json"); err != nil {
		return nil, fmt.Errorf("compile hello: %w", err)
	}
	if v.interaction, err = c.Compile(schemaBase + "interaction.schema.json"); err != nil {
		return nil, fmt.Errorf("compile interaction: %w", err)
	}
	return v, nil
}

func (v *Validator) ValidateHello(raw []byte) error {
	return validate(v.hello, raw)
}

func (v *Validator) ValidateInteraction(raw []byte) error {
	return validate(v.interaction, raw)
}

func validate(s *jsonschema.Schema, raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return s.Validate(doc)
}

// DecodeInteraction validates raw and decodes it.
func (v *Validator) DecodeInteraction(raw []byte) (Interaction, error) {
	var in Interaction
	if err := v.ValidateInteraction(raw); err != nil {
		return in, err
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, err
	}
	return in, nil
}
