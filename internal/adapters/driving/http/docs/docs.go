// Package docs registers the OpenAPI document of the permitflow API with swag.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "paths": {
        "/auth/token": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Issue a service token",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/TokenRequest"}}],
                "responses": {"200": {"description": "OK"}, "401": {"description": "Invalid credentials"}}
            }
        },
        "/attachments": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["Submissions"],
                "summary": "Upload an attachment",
                "consumes": ["application/octet-stream"],
                "parameters": [{"type": "string", "name": "filename", "in": "query", "required": true}],
                "responses": {"201": {"description": "Created"}, "413": {"description": "Attachment too large"}}
            }
        },
        "/submissions": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["Submissions"],
                "summary": "Submit a request",
                "responses": {"200": {"description": "Already known"}, "202": {"description": "Accepted for processing"}}
            }
        },
        "/submissions/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["Submissions"],
                "summary": "Get a submission",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}
            }
        },
        "/submissions/{id}/cancel": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["Submissions"],
                "summary": "Cancel a submission",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"202": {"description": "Accepted"}}
            }
        },
        "/submissions/{id}/reevaluate": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["Submissions"],
                "summary": "Re-evaluate a submission",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Submission not finished"}}
            }
        },
        "/stats": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["Admin"], "summary": "Pipeline statistics", "responses": {"200": {"description": "OK"}}}
        },
        "/guidelines": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["Guidelines"], "summary": "Guideline corpus statistics", "responses": {"200": {"description": "OK"}}}
        },
        "/guidelines/query": {
            "post": {"security": [{"BearerAuth": []}], "tags": ["Guidelines"], "summary": "Query guideline passages", "responses": {"200": {"description": "OK"}, "503": {"description": "Index not loaded"}}}
        },
        "/guidelines/load": {
            "post": {"security": [{"BearerAuth": []}], "tags": ["Guidelines"], "summary": "Reload the guideline corpus", "responses": {"200": {"description": "OK"}}}
        },
        "/slots": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["Appointments"], "summary": "List open appointment slots", "responses": {"200": {"description": "OK"}}},
            "post": {"security": [{"BearerAuth": []}], "tags": ["Appointments"], "summary": "Extend the appointment calendar", "responses": {"201": {"description": "Created"}}}
        }
    },
    "definitions": {
        "TokenRequest": {
            "type": "object",
            "properties": {
                "client_id": {"type": "string"},
                "client_secret": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "permitflow API",
	Description:      "Document compliance pipeline for immigration office submissions.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
