// Package openapi renders the route table as an OpenAPI document. Every
// operation carries its access requirement in the x-trafi-requirement
// extension.
package openapi

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/trafi/trafi/internal/rbac"
)

// RequirementExtension is the operation extension that describes the access
// rule of a route.
const RequirementExtension = "x-trafi-requirement"

// Operation describes one route for the document.
type Operation struct {
	ID          string
	Method      string
	Path        string
	Summary     string
	Tag         string
	Requirement rbac.Requirement
	// Request and Response name component schemas; empty means none.
	Request  string
	Response string
	// List wraps Response in the {"resource":[...],"meta":{...}} envelope.
	List bool
	// Status is the success status code. Zero means 200.
	Status int
	// Query lists the query parameters the route accepts.
	Query []QueryParam
}

// QueryParam is a documented query string parameter.
type QueryParam struct {
	Name        string
	Type        string // integer, boolean or string
	Description string
}

// Info is the document header.
type Info struct {
	Title        string
	Version      string
	APIKeyHeader string
	ServerURL    string
}

var pathParam = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Generate builds the OpenAPI document for ops.
func Generate(info Info, ops []Operation) (*openapi3.T, error) {
	header := info.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       info.Title,
			Description: "Store administration API. Access to every operation is declared in " + RequirementExtension + ".",
			Version:     info.Version,
		},
	}
	if info.ServerURL != "" {
		doc.Servers = openapi3.Servers{{URL: info.ServerURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "apiKey", In: "header", Name: header},
		},
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if seen[op.ID] {
			return nil, fmt.Errorf("duplicate operation id %q", op.ID)
		}
		seen[op.ID] = true

		for _, name := range []string{op.Request, op.Response} {
			if name != "" && components.Schemas[name] == nil {
				return nil, fmt.Errorf("operation %q references unknown schema %q", op.ID, name)
			}
		}

		item := doc.Paths.Value(op.Path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(op.Path, item)
		}
		if item.GetOperation(op.Method) != nil {
			return nil, fmt.Errorf("operation %q: %s %s registered twice", op.ID, op.Method, op.Path)
		}
		item.SetOperation(op.Method, buildOperation(op))
	}
	return doc, nil
}

func buildOperation(op Operation) *openapi3.Operation {
	o := &openapi3.Operation{
		OperationID: op.ID,
		Summary:     op.Summary,
		Extensions: map[string]interface{}{
			RequirementExtension: requirementExtension(op.Requirement),
		},
	}
	if op.Tag != "" {
		o.Tags = []string{op.Tag}
	}

	switch {
	case op.Requirement.Public:
		o.Security = &openapi3.SecurityRequirements{}
	case len(op.Requirement.Roles) > 0:
		// Role-restricted routes need a user session.
		o.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
	default:
		o.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}, {"apiKey": {}}}
	}

	for _, m := range pathParam.FindAllStringSubmatch(op.Path, -1) {
		o.Parameters = append(o.Parameters, &openapi3.ParameterRef{
			Value: openapi3.NewPathParameter(m[1]).WithSchema(openapi3.NewStringSchema()),
		})
	}
	for _, q := range op.Query {
		o.Parameters = append(o.Parameters, &openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter(q.Name).
				WithDescription(q.Description).
				WithSchema(&openapi3.Schema{Type: &openapi3.Types{q.Type}}),
		})
	}

	if op.Request != "" {
		o.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(schemaRef(op.Request)),
			},
		}
	}

	var body *openapi3.SchemaRef
	switch {
	case op.Response == "":
		body = &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
	case op.List:
		body = listEnvelope(schemaRef(op.Response))
	default:
		body = schemaRef(op.Response)
	}
	status := op.Status
	if status == 0 {
		status = http.StatusOK
	}
	o.Responses = newResponses(op, strconv.Itoa(status), op.Summary, body)
	return o
}

// requirementExtension is the wire form of a requirement.
func requirementExtension(req rbac.Requirement) map[string]interface{} {
	if req.Public {
		return map[string]interface{}{"public": true}
	}
	ext := map[string]interface{}{
		"permissions": req.PermissionStrings(),
		"mode":        req.Mode.String(),
	}
	if len(req.Roles) > 0 {
		ext["roles"] = req.RoleStrings()
	}
	return ext
}

func schemaRef(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func listEnvelope(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"resource": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: items},
				},
				"meta": schemaRef("ResponseMeta"),
			},
		},
	}
}

// newResponses builds the success response and the error responses the
// route can produce.
func newResponses(op Operation, statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	})

	errorRef := schemaRef("ErrorResponse")
	add := func(code int) {
		responses.Set(strconv.Itoa(code), &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription(http.StatusText(code)).
				WithContent(openapi3.NewContentWithJSONSchemaRef(errorRef)),
		})
	}

	if op.Request != "" {
		add(http.StatusBadRequest)
	}
	if !op.Requirement.Public {
		add(http.StatusUnauthorized)
		add(http.StatusForbidden)
	} else if op.Request != "" {
		// Login and refresh answer bad credentials with 401 and are rate limited.
		add(http.StatusUnauthorized)
		add(http.StatusTooManyRequests)
	}
	if strings.Contains(op.Path, "{") {
		add(http.StatusNotFound)
	}
	add(http.StatusInternalServerError)
	return responses
}
