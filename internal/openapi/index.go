// Package openapi loads the gateway's embedded OpenAPI description and
// indexes its operations by operationId.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed evalflow.yaml
var apiSpec []byte

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
}

// Index is an in-memory index of the API's operations keyed by operationId.
type Index struct {
	doc        *openapi3.T
	rendered   []byte
	operations map[string]IndexedOperation
}

// Load parses and validates the embedded API description.
func Load() (*Index, error) {
	return LoadData(apiSpec)
}

// LoadData parses and validates an OpenAPI document.
func LoadData(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating: %w", err)
	}

	rendered, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: rendering: %w", err)
	}

	idx := &Index{
		doc:        doc,
		rendered:   rendered,
		operations: make(map[string]IndexedOperation),
	}
	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}
			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}
			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				RequestBody:  reqBody,
				Responses:    op.Responses,
			}
		}
	}
	return idx, nil
}

// Version returns the API version from the info block.
func (idx *Index) Version() string { return idx.doc.Info.Version }

// GetOperation returns the indexed operation for the given operation ID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// AllOperationIDs returns all operation IDs, sorted.
func (idx *Index) AllOperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Documented reports whether method and path template are described.
func (idx *Index) Documented(method, pathTemplate string) bool {
	item := idx.doc.Paths.Value(pathTemplate)
	if item == nil {
		return false
	}
	return item.GetOperation(strings.ToUpper(method)) != nil
}

// ValidateResponse checks a decoded JSON value against the schema of an
// operation's response for the given status.
func (idx *Index) ValidateResponse(operationID string, status int, body any) error {
	op, ok := idx.operations[operationID]
	if !ok {
		return fmt.Errorf("operation %s not found", operationID)
	}
	resp := op.Responses.Status(status)
	if resp == nil || resp.Value == nil {
		return fmt.Errorf("operation %s has no %d response", operationID, status)
	}
	mt := resp.Value.Content.Get("application/json")
	if mt == nil || mt.Schema == nil || mt.Schema.Value == nil {
		return nil
	}
	return mt.Schema.Value.VisitJSON(body)
}

// Handler serves the API description as JSON.
func (idx *Index) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(idx.rendered)
	}
}
