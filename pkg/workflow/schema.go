package workflow

import "github.com/xeipuuv/gojsonschema"

const graphSchema = `{
  "type": "object",
  "required": ["id", "version", "nodes", "edges"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 1},
    "name": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "config": {"type": "object"},
          "position": {
            "type": "object",
            "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "fromNodeId", "toNodeId"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "fromNodeId": {"type": "string", "minLength": 1},
          "toNodeId": {"type": "string", "minLength": 1},
          "condition": {"type": "string"}
        }
      }
    }
  }
}`

var graphSchemaLoader = gojsonschema.NewStringLoader(graphSchema)
