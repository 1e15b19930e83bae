package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://explora.ai/schemas/"

var schemaFiles = map[string]string{
	TypeHello:        "hello.schema.json",
	TypeChunkEntered: "chunk_entered.schema.json",
	TypeBlockChanged: "block_changed.schema.json",
	TypePlayers:      "players.schema.json",
	TypeStatus:       "status.schema.json",
}

var compiled = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	for _, name := range schemaFiles {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(schemaFiles))
	for typ, name := range schemaFiles {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[typ] = s
	}
	return out, nil
})

// HasSchema reports whether inbound messages of typ are validated.
func HasSchema(typ string) bool {
	_, ok := schemaFiles[typ]
	return ok
}

// Validate checks a raw inbound message against the schema of its type.
func Validate(typ string, raw []byte) error {
	schemas, err := compiled()
	if err != nil {
		return fmt.Errorf("protocol schemas: %w", err)
	}
	s, ok := schemas[typ]
	if !ok {
		return fmt.Errorf("no schema for type %q", typ)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
