package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Sanction Engine API",
        "description": "Embargo, withdrawal and collection submission workflows with emailed approval links.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Tokens", "description": "Approval and rejection links sent by email"},
        {"name": "Sanctions", "description": "Embargoes, withdrawals and their approvals"},
        {"name": "Moderation", "description": "Provider moderator queue and decisions"},
        {"name": "Collection Submissions", "description": "Items submitted to moderated collections"},
        {"name": "Internal", "description": "Operational endpoints"}
    ],
    "paths": {
        "/tokens/{token}": {
            "get": {
                "tags": ["Tokens"],
                "summary": "Follow an approval or rejection link",
                "parameters": [
                    {"name": "token", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Applied or already settled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "410": {"description": "No sanction for this token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sanctions": {
            "post": {
                "tags": ["Sanctions"],
                "summary": "Open a sanction on a registration",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateSanctionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sanctions/{id}": {
            "get": {
                "tags": ["Sanctions"],
                "summary": "Get a sanction with its registration moderation state",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sanctions/{id}/{action}": {
            "post": {
                "tags": ["Sanctions"],
                "summary": "Submit, approve, reject or resubmit a sanction",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "action", "in": "path", "required": true, "type": "string", "enum": ["submit", "approve", "reject", "resubmit"]},
                    {"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "Outcome", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Actor may not fire this trigger", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Transition not allowed or concurrent change", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "423": {"description": "Sanction is being updated", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/moderation/sanctions": {
            "get": {
                "tags": ["Moderation"],
                "summary": "List sanctions pending moderation",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "type", "in": "query", "type": "string", "description": "Comma separated sanction types"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/moderation/sanctions/{id}/{action}": {
            "post": {
                "tags": ["Moderation"],
                "summary": "Accept or reject a sanction pending moderation",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "action", "in": "path", "required": true, "type": "string", "enum": ["accept", "reject"]},
                    {"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "Outcome", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/collection-submissions": {
            "post": {
                "tags": ["Collection Submissions"],
                "summary": "Add an item to a collection",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateCollectionSubmissionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/collection-submissions/{id}": {
            "get": {
                "tags": ["Collection Submissions"],
                "summary": "Get a collection submission",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/collection-submissions/{id}/{trigger}": {
            "post": {
                "tags": ["Collection Submissions"],
                "summary": "Fire a workflow trigger on a collection submission",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "trigger", "in": "path", "required": true, "type": "string", "enum": ["submit", "accept", "reject", "remove", "resubmit", "cancel"]},
                    {"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/internal/reconcile": {
            "post": {
                "tags": ["Internal"],
                "summary": "Run the sanction deadline sweep",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "dry_run", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "Sweep report", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/metrics/summary": {
            "get": {
                "tags": ["Internal"],
                "summary": "Workflow counters as JSON",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "CreateSanctionRequest": {
            "type": "object",
            "required": ["type", "registrationId", "approverIds"],
            "properties": {
                "type": {"type": "string", "enum": ["embargo", "retraction", "registration_approval", "embargo_termination_approval"]},
                "registrationId": {"type": "string"},
                "approverIds": {"type": "array", "items": {"type": "string"}},
                "endDate": {"type": "string", "format": "date-time"},
                "parentId": {"type": "string"},
                "justification": {"type": "string"},
                "revisable": {"type": "boolean"},
                "submit": {"type": "boolean"}
            }
        },
        "CreateCollectionSubmissionRequest": {
            "type": "object",
            "required": ["collectionId", "itemId"],
            "properties": {
                "collectionId": {"type": "string"},
                "itemId": {"type": "string"},
                "itemAdminIds": {"type": "array", "items": {"type": "string"}},
                "submit": {"type": "boolean"}
            }
        },
        "DecisionRequest": {
            "type": "object",
            "properties": {
                "comment": {"type": "string"}
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
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
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
