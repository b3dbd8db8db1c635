package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/trafi/trafi/internal/rbac"
)

// componentSchemas returns the shared request and response schemas.
func componentSchemas() openapi3.Schemas {
	str := func() *openapi3.SchemaRef { return openapi3.NewStringSchema().NewRef() }
	dateTime := func() *openapi3.SchemaRef { return openapi3.NewDateTimeSchema().NewRef() }
	nullableDateTime := func() *openapi3.SchemaRef {
		s := openapi3.NewDateTimeSchema()
		s.Nullable = true
		return s.NewRef()
	}
	integer := func() *openapi3.SchemaRef { return openapi3.NewIntegerSchema().NewRef() }
	boolean := func() *openapi3.SchemaRef { return openapi3.NewBoolSchema().NewRef() }

	scopeNames := rbac.ScopeStrings(rbac.AllScopes())
	scopeEnum := make([]interface{}, len(scopeNames))
	for i, s := range scopeNames {
		scopeEnum[i] = s
	}
	scopes := openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema().WithEnum(scopeEnum...)).NewRef()

	var roleEnum []interface{}
	for _, r := range rbac.Roles {
		roleEnum = append(roleEnum, string(r))
	}
	role := openapi3.NewStringSchema().WithEnum(roleEnum...).NewRef()

	object := func(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
		s := openapi3.NewObjectSchema()
		s.Properties = props
		s.Required = required
		return s.NewRef()
	}

	return openapi3.Schemas{
		"ErrorResponse": object(openapi3.Schemas{
			"error": object(openapi3.Schemas{
				"code":    integer(),
				"message": str(),
				"context": openapi3.NewObjectSchema().NewRef(),
			}, "code", "message"),
		}, "error"),
		"ResponseMeta": object(openapi3.Schemas{
			"count": integer(),
			"total": integer(),
			"page":  integer(),
			"limit": integer(),
		}),
		"LoginRequest": object(openapi3.Schemas{
			"email":    openapi3.NewStringSchema().WithFormat("email").NewRef(),
			"password": str(),
		}, "email", "password"),
		"RefreshRequest": object(openapi3.Schemas{
			"refreshToken": str(),
		}, "refreshToken"),
		"Session": object(openapi3.Schemas{
			"accessToken":  str(),
			"refreshToken": str(),
			"tokenType":    str(),
			"expiresIn":    integer(),
			"user":         schemaRef("User"),
		}, "accessToken", "refreshToken", "tokenType", "expiresIn"),
		"CSRFToken": object(openapi3.Schemas{
			"csrfToken": str(),
		}, "csrfToken"),
		"Principal": object(openapi3.Schemas{
			"id":          str(),
			"tenantId":    str(),
			"type":        openapi3.NewStringSchema().WithEnum("session", "api_key").NewRef(),
			"role":        role,
			"scopes":      scopes,
			"permissions": openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema()).NewRef(),
			"keyId":       str(),
		}, "id", "tenantId", "type", "permissions"),
		"User": object(openapi3.Schemas{
			"id":          str(),
			"email":       str(),
			"name":        str(),
			"role":        role,
			"isActive":    boolean(),
			"lastLoginAt": nullableDateTime(),
			"createdAt":   dateTime(),
			"updatedAt":   dateTime(),
		}, "id", "email", "role", "isActive"),
		"CreateUserRequest": object(openapi3.Schemas{
			"email":    openapi3.NewStringSchema().WithFormat("email").NewRef(),
			"name":     str(),
			"password": openapi3.NewStringSchema().WithMinLength(8).WithMaxLength(72).NewRef(),
			"role":     role,
		}, "email", "password", "role"),
		"ChangeRoleRequest": object(openapi3.Schemas{
			"role": role,
		}, "role"),
		"APIKey": object(openapi3.Schemas{
			"id":            str(),
			"name":          str(),
			"keyPrefix":     str(),
			"lastFourChars": str(),
			"scopes":        scopes,
			"createdAt":     dateTime(),
			"expiresAt":     nullableDateTime(),
			"lastUsedAt":    nullableDateTime(),
			"revokedAt":     nullableDateTime(),
		}, "id", "name", "keyPrefix", "lastFourChars", "scopes", "createdAt"),
		"CreatedAPIKey": object(openapi3.Schemas{
			"id":            str(),
			"name":          str(),
			"key":           openapi3.NewStringSchema().WithPattern(`^trafi_sk_[a-f0-9]{64}$`).NewRef(),
			"keyPrefix":     str(),
			"lastFourChars": str(),
			"scopes":        scopes,
			"createdAt":     dateTime(),
			"expiresAt":     nullableDateTime(),
		}, "id", "name", "key", "keyPrefix", "lastFourChars", "scopes", "createdAt"),
		"CreateAPIKeyRequest": object(openapi3.Schemas{
			"name":      openapi3.NewStringSchema().WithMaxLength(100).NewRef(),
			"scopes":    scopes,
			"expiresAt": dateTime(),
		}, "name", "scopes"),
		"StoreSettings": object(openapi3.Schemas{
			"settings": openapi3.NewObjectSchema().WithAdditionalProperties(openapi3.NewStringSchema()).NewRef(),
		}, "settings"),
		"Status": object(openapi3.Schemas{
			"success": boolean(),
			"message": str(),
		}),
	}
}
