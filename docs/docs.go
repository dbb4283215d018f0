package docs

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "Cardiology Triage Router",
    "description": "Routes patient messages to triage, appointment, virtual assistant and clinical docs handlers, and escalates emergencies to clinical staff",
    "version": "1.0"
  },
  "basePath": "/",
  "paths": {
    "/health": {"get": {"tags": ["health"], "summary": "Health check", "responses": {"200": {"description": "OK"}, "503": {"description": "Database unavailable"}}}},
    "/chat": {"post": {"tags": ["chat"], "summary": "Route a patient message", "consumes": ["application/json"], "produces": ["application/json"],
      "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/ChatRequest"}}],
      "responses": {"200": {"description": "Response envelope"}, "400": {"description": "Validation error"}, "502": {"description": "Upstream error"}, "504": {"description": "Upstream timeout"}}}},
    "/triage": {"post": {"tags": ["chat"], "summary": "Triage a message directly",
      "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/ChatRequest"}}],
      "responses": {"200": {"description": "Response envelope"}, "400": {"description": "Validation error"}}}},
    "/appointment": {"post": {"tags": ["chat"], "summary": "Request an appointment directly",
      "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/ChatRequest"}}],
      "responses": {"200": {"description": "Response envelope"}, "400": {"description": "Validation error"}}}},
    "/patient/{id}": {"get": {"tags": ["patients"], "summary": "Patient record",
      "parameters": [{"in": "path", "name": "id", "required": true, "type": "string"}],
      "responses": {"200": {"description": "Patient"}, "404": {"description": "Not found"}}}},
    "/patient/{id}/appointments": {"get": {"tags": ["patients"], "summary": "Patient appointments",
      "parameters": [{"in": "path", "name": "id", "required": true, "type": "string"}],
      "responses": {"200": {"description": "Appointments"}}}},
    "/sessions/{id}": {"get": {"tags": ["sessions"], "summary": "Session snapshot",
      "parameters": [{"in": "path", "name": "id", "required": true, "type": "string"}],
      "responses": {"200": {"description": "Session"}, "404": {"description": "Not found"}}}},
    "/escalations": {"get": {"tags": ["escalations"], "summary": "List escalations",
      "parameters": [{"in": "query", "name": "status", "type": "string"}, {"in": "query", "name": "pending", "type": "boolean"}, {"in": "query", "name": "session_id", "type": "string"}],
      "responses": {"200": {"description": "Escalations"}}}},
    "/escalations/{id}": {"get": {"tags": ["escalations"], "summary": "Get an escalation",
      "parameters": [{"in": "path", "name": "id", "required": true, "type": "string"}],
      "responses": {"200": {"description": "Escalation"}, "404": {"description": "Not found"}}}},
    "/escalations/{id}/status": {"post": {"tags": ["escalations"], "summary": "Acknowledge or close an escalation",
      "parameters": [{"in": "path", "name": "id", "required": true, "type": "string"}, {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/StatusRequest"}}],
      "responses": {"200": {"description": "Escalation"}, "400": {"description": "Invalid transition"}, "404": {"description": "Not found"}}}},
    "/escalations/reconcile": {"post": {"tags": ["escalations"], "summary": "Retry pending escalation notifications", "responses": {"200": {"description": "Reconcile summary"}}}},
    "/escalations/ws": {"get": {"tags": ["escalations"], "summary": "Websocket stream of escalation events", "responses": {"101": {"description": "Switching protocols"}}}},
    "/metrics": {"get": {"tags": ["health"], "summary": "Prometheus metrics", "produces": ["text/plain"], "responses": {"200": {"description": "OK"}}}}
  },
  "definitions": {
    "ChatRequest": {"type": "object", "required": ["message"], "properties": {
      "patient_id": {"type": "string"},
      "session_id": {"type": "string"},
      "message": {"type": "string"},
      "conversation_context": {"type": "array", "items": {"type": "string"}}
    }},
    "StatusRequest": {"type": "object", "required": ["status"], "properties": {
      "status": {"type": "string", "enum": ["acknowledged", "closed"]}
    }}
  }
}`

func init() {
	swag.Register(swag.Name, &s{})
}

type s struct{}

func (s *s) ReadDoc() string {
	return docTemplate
}
