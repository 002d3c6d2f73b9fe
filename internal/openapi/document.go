// Package openapi serves the embedded API description and validates request
// bodies against its schemas.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/stagetrack/model"
)

//go:embed api.yaml
var apiYAML []byte

// Document is the parsed API description indexed by operationId.
type Document struct {
	doc        *openapi3.T
	operations map[string]*openapi3.Operation
	json       []byte
}

// Load parses and validates the embedded API description.
func Load(ctx context.Context) (*Document, error) {
	return loadData(ctx, apiYAML)
}

func loadData(ctx context.Context, data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: parsing document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	rendered, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: rendering document: %w", err)
	}

	d := &Document{
		doc:        doc,
		operations: make(map[string]*openapi3.Operation),
		json:       rendered,
	}
	for _, pathItem := range doc.Paths.Map() {
		for _, op := range pathItem.Operations() {
			if op.OperationID != "" {
				d.operations[op.OperationID] = op
			}
		}
	}
	return d, nil
}

// JSON returns the document rendered as JSON.
func (d *Document) JSON() []byte {
	return d.json
}

// Version returns the document's info.version.
func (d *Document) Version() string {
	return d.doc.Info.Version
}

// OperationIDs returns all operation IDs, sorted.
func (d *Document) OperationIDs() []string {
	ids := make([]string, 0, len(d.operations))
	for id := range d.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks body against the JSON request schema of
// operationID. It returns a VALIDATION_ERROR listing every violation, or a
// BAD_REQUEST when body is not JSON.
func (d *Document) ValidateRequest(operationID string, body []byte) error {
	op, ok := d.operations[operationID]
	if !ok {
		return fmt.Errorf("openapi: unknown operation %q", operationID)
	}
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	media := op.RequestBody.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return model.NewBadRequestError("request body is not valid JSON")
	}

	err := media.Schema.Value.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return model.NewValidationError(fieldErrors(err))
}

// fieldErrors flattens kin-openapi schema errors into field errors.
func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return []model.FieldError{{Code: "INVALID", Message: err.Error()}}
	}
	path := se.JSONPointer()
	code := schemaFieldCode(se.SchemaField)
	if name, ok := unsupportedProperty(se); ok {
		path = append(path, name)
		code = "UNKNOWN_FIELD"
	}
	return []model.FieldError{{
		Field:   strings.Join(path, "."),
		Code:    code,
		Message: se.Reason,
	}}
}

// unsupportedProperty extracts the property name from an
// additionalProperties violation, which kin-openapi reports against the
// enclosing object.
func unsupportedProperty(se *openapi3.SchemaError) (string, bool) {
	if se.SchemaField != "properties" {
		return "", false
	}
	quoted, ok := strings.CutSuffix(se.Reason, " is unsupported")
	if !ok {
		return "", false
	}
	name, err := strconv.Unquote(strings.TrimPrefix(quoted, "property "))
	return name, err == nil
}

func schemaFieldCode(schemaField string) string {
	switch schemaField {
	case "required":
		return "REQUIRED"
	case "type", "nullable":
		return "INVALID_TYPE"
	case "enum":
		return "INVALID_VALUE"
	case "minItems":
		return "MIN_ITEMS"
	case "maxItems":
		return "MAX_ITEMS"
	case "additionalProperties":
		return "UNKNOWN_FIELD"
	default:
		return "INVALID"
	}
}
