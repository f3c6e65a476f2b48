package catalog

// modelCatalogSchema mirrors docs/model_catalog.schema.json.
const modelCatalogSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "ModelCatalog",
  "type": "object",
  "additionalProperties": false,
  "required": ["schema_version", "region_fallback", "models"],
  "properties": {
    "schema_version": {
      "type": "string",
      "pattern": "^v[0-9]+\\.[0-9]+(?:\\.[0-9]+)?$"
    },
    "region_fallback": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "models": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/model"}
    }
  },
  "$defs": {
    "model": {
      "type": "object",
      "additionalProperties": false,
      "required": [
        "id",
        "provider",
        "tier",
        "max_output_tokens",
        "supports_tools",
        "supports_reasoning",
        "cost_per_1m_output_usd",
        "regions"
      ],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "provider": {"type": "string", "minLength": 1},
        "tier": {
          "type": "string",
          "enum": ["fastest", "fast", "balanced", "capable", "most_capable"]
        },
        "max_output_tokens": {"type": "integer", "minimum": 1},
        "supports_tools": {"type": "boolean"},
        "supports_reasoning": {"type": "boolean"},
        "max_reasoning_tokens": {"type": "integer", "minimum": 0},
        "cost_per_1m_output_usd": {"type": "number", "minimum": 0},
        "regions": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`
