package validator

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "pipeline.json",
  "title": "Pipeline",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 256},
    "enable_cache": {"type": "boolean"},
    "settings": {"type": "object"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    }
  },
  "additionalProperties": false,
  "$defs": {
    "identifier": {
      "type": "string",
      "pattern": "^[A-Za-z_][A-Za-z0-9_.-]*$",
      "maxLength": 128
    },
    "step": {
      "type": "object",
      "required": ["name", "entrypoint"],
      "properties": {
        "name": {"$ref": "#/$defs/identifier"},
        "entrypoint": {"type": "string", "minLength": 1},
        "code_version": {"type": "string"},
        "upstreams": {
          "type": "array",
          "items": {"$ref": "#/$defs/identifier"},
          "uniqueItems": true
        },
        "inputs": {
          "type": "object",
          "propertyNames": {"$ref": "#/$defs/identifier"},
          "additionalProperties": {
            "type": "object",
            "required": ["step", "output"],
            "properties": {
              "step": {"$ref": "#/$defs/identifier"},
              "output": {"$ref": "#/$defs/identifier"}
            },
            "additionalProperties": false
          }
        },
        "outputs": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": {"$ref": "#/$defs/identifier"},
              "materializer": {"type": "string"},
              "data_type": {"type": "string"}
            },
            "additionalProperties": false
          }
        },
        "parameters": {"type": "object"},
        "caching_parameters": {"type": "object"},
        "enable_cache": {"type": "boolean"},
        "backend": {"type": "string"},
        "command": {"type": "array", "items": {"type": "string"}},
        "image": {"type": "string"},
        "env": {"type": "object", "additionalProperties": {"type": "string"}},
        "timeout_seconds": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    }
  }
}`
