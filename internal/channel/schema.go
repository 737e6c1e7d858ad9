package channel

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidFrame = errors.New("invalid frame")

const frameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "id": {"type": "string"},
    "ackId": {"type": "string"},
    "payload": {}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "ack"}}},
      "then": {"required": ["ackId", "payload"], "properties": {"payload": {"$ref": "#/$defs/ack"}}}
    },
    {
      "if": {"properties": {"type": {"const": "notebook-history"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["notebooks"],
        "properties": {"notebooks": {"type": ["array", "null"], "items": {"$ref": "#/$defs/notebook"}}}
      }}}
    },
    {
      "if": {"properties": {"type": {"enum": ["notebook:created", "notebook:updated"]}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["notebook"],
        "properties": {"notebook": {"$ref": "#/$defs/notebook"}}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "notebook:deleted"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["notebookId"],
        "properties": {"notebookId": {"$ref": "#/$defs/id"}}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "awareness-update"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["notebookId", "records"],
        "properties": {
          "notebookId": {"$ref": "#/$defs/id"},
          "records": {"type": ["array", "null"], "items": {
            "type": "object",
            "required": ["connectionId", "userId"],
            "properties": {
              "connectionId": {"type": "string"},
              "userId": {"type": "string"},
              "userEmail": {"type": "string"},
              "cursorBlockId": {"type": ["string", "null"]},
              "cursorPosition": {"type": ["integer", "null"], "minimum": 0}
            }
          }}
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "crdt-update"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["notebookId", "update"],
        "properties": {"notebookId": {"$ref": "#/$defs/id"}, "update": {"type": "string"}}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "block:created"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["notebookId", "block"],
        "properties": {
          "notebookId": {"$ref": "#/$defs/id"},
          "block": {
            "type": "object",
            "required": ["id", "position"],
            "properties": {"id": {"$ref": "#/$defs/id"}, "position": {"type": "integer"}}
          }
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "block:moved"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["notebookId", "blockId", "position"],
        "properties": {
          "notebookId": {"$ref": "#/$defs/id"},
          "blockId": {"$ref": "#/$defs/id"},
          "position": {"type": "integer"}
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "block:deleted"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["notebookId", "blockId"],
        "properties": {"notebookId": {"$ref": "#/$defs/id"}, "blockId": {"$ref": "#/$defs/id"}}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "chat:message"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["userId", "content", "sentAt"],
        "properties": {"content": {"type": "string"}, "sentAt": {"type": "string"}}
      }}}
    }
  ],
  "$defs": {
    "id": {"type": "string", "minLength": 1},
    "notebook": {
      "type": "object",
      "required": ["id", "title"],
      "properties": {"id": {"$ref": "#/$defs/id"}, "title": {"type": "string"}}
    },
    "ack": {
      "type": "object",
      "required": ["ok"],
      "properties": {"ok": {"type": "boolean"}, "error": {"type": "string"}}
    }
  }
}`

const frameSchemaURL = "https://relaynote.dev/schemas/frame.json"

// Validator checks inbound frames before they are decoded.
type Validator struct {
	schema *jsonschema.Schema
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *Validator
	defaultValidatorErr  error
)

// DefaultValidator returns the process-wide frame validator, compiling it on
// first use.
func DefaultValidator() (*Validator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	return defaultValidator, defaultValidatorErr
}

func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

func (v *Validator) Validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}
