package loader

// FlowSchema is the JSON schema for flow definitions
const FlowSchema = `
{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["metadata", "nodes"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "description": {
          "type": "string"
        },
        "version": {
          "type": "string"
        }
      }
    },
    "servers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "url": {
            "type": "string",
            "minLength": 1
          },
          "token": {
            "type": "string"
          },
          "timeout": {
            "type": "string",
            "pattern": "^[0-9]+(ns|us|ms|s|m|h)$"
          },
          "max_retries": {
            "type": "integer",
            "minimum": 0
          },
          "retry_wait": {
            "type": "string",
            "pattern": "^[0-9]+(ns|us|ms|s|m|h)$"
          },
          "headers": {
            "type": "object",
            "additionalProperties": {
              "type": "string"
            }
          }
        }
      }
    },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {
            "type": "string",
            "enum": ["thingsboard", "inject", "function", "debug", "delay", "mqtt in", "mqtt out"]
          },
          "params": {
            "type": "object",
            "properties": {
              "server": {
                "oneOf": [
                  {"type": "string"},
                  {"type": "object"}
                ]
              },
              "method": {
                "type": "string"
              },
              "bindings": {
                "type": "object",
                "additionalProperties": {
                  "oneOf": [
                    {"type": "string"},
                    {
                      "type": "object",
                      "properties": {
                        "value": {},
                        "type": {
                          "type": "string",
                          "enum": ["str", "msg"]
                        },
                        "fallback": {
                          "type": "boolean"
                        }
                      }
                    }
                  ]
                }
              }
            }
          },
          "wires": {
            "type": "array",
            "items": {
              "type": "string"
            }
          }
        }
      }
    }
  }
}
`
