package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Class Admission API",
        "description": "Capacity-limited class enrollment admission engine",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Enrollments", "description": "Application, admission and waitlist lifecycle"}
    ],
    "paths": {
        "/classes/{classId}/enrollments": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Apply to a class",
                "parameters": [
                    {"name": "classId", "in": "path", "required": true, "type": "string"},
                    {"name": "Idempotency-Key", "in": "header", "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ApplyRequest"}}
                ],
                "responses": {
                    "200": {"description": "Idempotent replay", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Duplicate, capacity or storage conflict"},
                    "422": {"description": "Class not enrollable or recruiting"}
                }
            }
        },
        "/classes/{classId}/enrollments/stats": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "Class enrollment stats",
                "parameters": [
                    {"name": "classId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/classes/{classId}/enrollments/export": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "Export class roster (admin)",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "classId", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "Rendered roster"}
                }
            }
        },
        "/enrollments": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "List enrollments (admin)",
                "parameters": [
                    {"name": "userId", "in": "query", "type": "string"},
                    {"name": "classId", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "sort", "in": "query", "type": "string"},
                    {"name": "order", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/{id}": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "Get one enrollment",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found"}
                }
            },
            "delete": {
                "tags": ["Enrollments"],
                "summary": "Cancel an enrollment",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/CancelRequest"}}
                ],
                "responses": {
                    "200": {"description": "Canceled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Invalid state"}
                }
            }
        },
        "/enrollments/{id}/answers": {
            "put": {
                "tags": ["Enrollments"],
                "summary": "Update enrollment answers",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateAnswersRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Version conflict"}
                }
            }
        },
        "/enrollments/{id}/decision": {
            "put": {
                "tags": ["Enrollments"],
                "summary": "Decide on an enrollment (admin)",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DecideRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Capacity exceeded or invalid state"}
                }
            }
        }
    },
    "definitions": {
        "ApplyRequest": {
            "type": "object",
            "properties": {
                "answers": {"type": "object"},
                "idempotency_key": {"type": "string"}
            }
        },
        "CancelRequest": {
            "type": "object",
            "properties": {
                "reason": {"type": "string"}
            }
        },
        "UpdateAnswersRequest": {
            "type": "object",
            "required": ["answers", "expected_version"],
            "properties": {
                "answers": {"type": "object"},
                "expected_version": {"type": "integer"}
            }
        },
        "DecideRequest": {
            "type": "object",
            "required": ["status"],
            "properties": {
                "status": {"type": "string", "enum": ["APPROVED", "REJECTED", "WAITLISTED"]},
                "reason": {"type": "string"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
