// Package validator checks pipeline documents before they are stored or run.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Validator validates pipeline documents.
type Validator struct {
	pipelineSchema *jsonschema.Schema
}

// ValidationError represents a validation failure or warning.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation. Warnings never make a
// pipeline invalid.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

// New creates a new validator with the embedded pipeline schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("pipeline.json", strings.NewReader(pipelineSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add pipeline schema: %w", err)
	}

	pipelineSchema, err := compiler.Compile("pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &Validator{pipelineSchema: pipelineSchema}, nil
}

// ValidateJSON validates a JSON-encoded pipeline document.
func (v *Validator) ValidateJSON(data []byte) *ValidationResult {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalid(ValidationError{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)})
	}
	return v.ValidateDocument(doc)
}

// ValidatePipeline validates an already decoded pipeline.
func (v *Validator) ValidatePipeline(p *types.Pipeline) *ValidationResult {
	data, err := json.Marshal(p)
	if err != nil {
		return invalid(ValidationError{Path: "$", Message: err.Error()})
	}
	return v.ValidateJSON(data)
}

// ValidateDocument runs the schema, then decodes every node configuration and
// checks graph references.
func (v *Validator) ValidateDocument(doc map[string]interface{}) *ValidationResult {
	result := v.validate(v.pipelineSchema, doc)
	if !result.Valid {
		return result
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return invalid(ValidationError{Path: "$", Message: err.Error()})
	}
	var p types.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return invalid(ValidationError{Path: "$", Message: err.Error()})
	}

	checkNodes(&p, result)
	checkConnections(&p, result)
	result.Valid = len(result.Errors) == 0
	return result
}

func checkNodes(p *types.Pipeline, result *ValidationResult) {
	seen := make(map[string]int, len(p.Nodes))
	for i := range p.Nodes {
		node := &p.Nodes[i]
		path := fmt.Sprintf("/nodes/%d", i)

		if first, dup := seen[node.ID]; dup {
			result.Errors = append(result.Errors, ValidationError{
				Path:    path + "/id",
				Message: fmt.Sprintf("duplicate node id %q (first declared at /nodes/%d)", node.ID, first),
			})
		} else {
			seen[node.ID] = i
		}

		if _, err := types.DecodeConfig(node); err != nil {
			result.Errors = append(result.Errors, ValidationError{Path: path + "/config", Message: err.Error()})
		}
	}
}

// checkConnections reports dangling endpoints and cycles. The scheduler
// tolerates both, so they are warnings.
func checkConnections(p *types.Pipeline, result *ValidationResult) {
	for i := range p.Connections {
		conn := &p.Connections[i]
		path := fmt.Sprintf("/connections/%d", i)
		if _, ok := p.NodeByID(conn.From.NodeID); !ok {
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    path + "/from/nodeId",
				Message: fmt.Sprintf("unknown node %q; connection is ignored", conn.From.NodeID),
			})
		}
		if _, ok := p.NodeByID(conn.To.NodeID); !ok {
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    path + "/to/nodeId",
				Message: fmt.Sprintf("unknown node %q; connection is ignored", conn.To.NodeID),
			})
		}
	}

	if len(result.Errors) == 0 && scheduler.ExecutionOrder(p.Nodes, p.Connections).Cyclic {
		result.Warnings = append(result.Warnings, ValidationError{
			Path:    "/connections",
			Message: "graph contains a cycle; nodes will run in declaration order",
		})
	}
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

func invalid(errs ...ValidationError) *ValidationResult {
	return &ValidationResult{Valid: false, Errors: errs}
}

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "pipeline.json",
  "title": "Pipeline",
  "description": "Schema for MentatLab pipeline documents",
  "type": "object",
  "required": ["name", "nodes"],
  "$defs": {
    "endpoint": {
      "type": "object",
      "required": ["nodeId", "portName"],
      "properties": {
        "nodeId": {"type": "string", "minLength": 1},
        "portName": {"type": "string", "minLength": 1}
      }
    },
    "port": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string"},
        "type": {"type": "string", "enum": ["input", "output"]},
        "dataType": {"type": "string"},
        "description": {"type": "string"}
      }
    }
  },
  "properties": {
    "id": {"type": "string"},
    "canvasId": {"type": "string"},
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable pipeline name"
    },
    "enabled": {"type": "boolean"},
    "version": {"type": "integer", "minimum": 0},
    "nodes": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "widgetId": {"type": "string"},
          "type": {
            "type": "string",
            "enum": ["widget", "transform", "system", "ai"],
            "description": "Node kind"
          },
          "label": {"type": "string"},
          "position": {
            "type": "object",
            "properties": {
              "x": {"type": "number"},
              "y": {"type": "number"}
            }
          },
          "inputs": {"type": "array", "items": {"$ref": "#/$defs/port"}},
          "outputs": {"type": "array", "items": {"$ref": "#/$defs/port"}},
          "config": {"type": "object"}
        }
      },
      "description": "Processing steps"
    },
    "connections": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "id": {"type": "string"},
          "from": {"$ref": "#/$defs/endpoint"},
          "to": {"$ref": "#/$defs/endpoint"},
          "enabled": {"type": "boolean"}
        }
      },
      "description": "Directed port-to-port edges"
    }
  }
}`
