package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/trafi/trafi/internal/openapi"
	"github.com/trafi/trafi/internal/rbac"
)

// route is one entry of the API route table. Its access rule lives in
// requirements under the same id.
type route struct {
	id       string
	method   string
	path     string
	summary  string
	tag      string
	request  string
	response string
	list     bool
	status   int
	query    []openapi.QueryParam
	// rateLimited routes share the per-IP login limit.
	rateLimited bool
}

// APIPrefix is the mount point of every route in the table.
const APIPrefix = "/api/v1"

var routes = []route{
	{id: "auth.csrf", method: http.MethodGet, path: "/auth/csrf", tag: "auth",
		summary: "Issue a CSRF token", response: "CSRFToken"},
	{id: "auth.login", method: http.MethodPost, path: "/auth/login", tag: "auth",
		summary: "Sign in with email and password", request: "LoginRequest", response: "Session", rateLimited: true},
	{id: "auth.refresh", method: http.MethodPost, path: "/auth/refresh", tag: "auth",
		summary: "Exchange a refresh token for a new token pair", request: "RefreshRequest", response: "Session", rateLimited: true},
	{id: "auth.logout", method: http.MethodPost, path: "/auth/logout", tag: "auth",
		summary: "End the session", response: "Status"},
	{id: "auth.me", method: http.MethodGet, path: "/auth/me", tag: "auth",
		summary: "Describe the authenticated principal", response: "Principal"},

	{id: "apikeys.list", method: http.MethodGet, path: "/api-keys", tag: "api-keys",
		summary: "List API keys", response: "APIKey", list: true, query: []openapi.QueryParam{
			{Name: "page", Type: "integer", Description: "Page number, starting at 1."},
			{Name: "limit", Type: "integer", Description: "Keys per page, at most 100."},
			{Name: "include_revoked", Type: "boolean", Description: "Include revoked keys."},
		}},
	{id: "apikeys.create", method: http.MethodPost, path: "/api-keys", tag: "api-keys",
		summary: "Create an API key", request: "CreateAPIKeyRequest", response: "CreatedAPIKey", status: http.StatusCreated},
	{id: "apikeys.revoke", method: http.MethodDelete, path: "/api-keys/{keyId}", tag: "api-keys",
		summary: "Revoke an API key", response: "APIKey"},

	{id: "users.list", method: http.MethodGet, path: "/users", tag: "users",
		summary: "List users", response: "User", list: true},
	{id: "users.create", method: http.MethodPost, path: "/users", tag: "users",
		summary: "Invite a user", request: "CreateUserRequest", response: "User", status: http.StatusCreated},
	{id: "users.role", method: http.MethodPut, path: "/users/{userId}/role", tag: "users",
		summary: "Change a user's role", request: "ChangeRoleRequest", response: "User"},

	{id: "settings.get", method: http.MethodGet, path: "/store/settings", tag: "settings",
		summary: "Read store settings", response: "StoreSettings"},
	{id: "settings.put", method: http.MethodPut, path: "/store/settings", tag: "settings",
		summary: "Update store settings", request: "StoreSettings", response: "StoreSettings"},
}

var requirements = map[string]rbac.Requirement{
	"auth.csrf":    rbac.PublicRoute(),
	"auth.login":   rbac.PublicRoute(),
	"auth.refresh": rbac.PublicRoute(),
	"auth.logout":  rbac.Authenticated(),
	"auth.me":      rbac.Authenticated(),

	"apikeys.list":   rbac.AllOf(rbac.APIKeysRead),
	"apikeys.create": rbac.AllOf(rbac.APIKeysManage),
	"apikeys.revoke": rbac.AllOf(rbac.APIKeysManage),

	"users.list":   rbac.AllOf(rbac.UsersRead),
	"users.create": rbac.AllOf(rbac.UsersInvite),
	"users.role":   rbac.AllOf(rbac.UsersManage).WithRoles(rbac.RoleOwner),

	"settings.get": rbac.AllOf(rbac.SettingsRead),
	"settings.put": rbac.AllOf(rbac.SettingsWrite),
}

// requirementFor returns the declared requirement of a route id.
func requirementFor(id string) (rbac.Requirement, error) {
	req, ok := requirements[id]
	if !ok {
		return rbac.Requirement{}, fmt.Errorf("route %q has no access requirement", id)
	}
	return req, nil
}

// Operations returns the route table with its requirements, for documents
// and tooling.
func Operations() ([]openapi.Operation, error) {
	ops := make([]openapi.Operation, 0, len(routes))
	for _, rt := range routes {
		req, err := requirementFor(rt.id)
		if err != nil {
			return nil, err
		}
		ops = append(ops, openapi.Operation{
			ID:          rt.id,
			Method:      rt.method,
			Path:        APIPrefix + rt.path,
			Summary:     rt.summary,
			Tag:         rt.tag,
			Requirement: req,
			Request:     rt.request,
			Response:    rt.response,
			List:        rt.list,
			Status:      rt.status,
			Query:       rt.query,
		})
	}
	return ops, nil
}

// OpenAPIDocument renders the route table as an indented OpenAPI JSON
// document.
func OpenAPIDocument(info openapi.Info) ([]byte, error) {
	ops, err := Operations()
	if err != nil {
		return nil, err
	}
	if info.Title == "" {
		info.Title = "Trafi API"
	}
	doc, err := openapi.Generate(info, ops)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(doc, "", "  ")
}
