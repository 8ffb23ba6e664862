package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "SMA Presence API",
        "description": "Geofenced session attendance ledger with attendance and merit reports.",
        "version": "1.0.0"
    },
    "basePath": "/",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Sessions", "description": "Geofenced session ledger"},
        {"name": "Zones", "description": "Attendance zone administration"},
        {"name": "Reports", "description": "Attendance and merit rollups, exports"},
        {"name": "Metrics", "description": "Service instrumentation"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/ready": {
            "get": {
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "Ready"},
                    "503": {"description": "A dependency is unreachable"}
                }
            }
        },
        "/metrics": {
            "get": {
                "tags": ["Metrics"],
                "summary": "Prometheus metrics",
                "produces": ["text/plain"],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/v1/metrics/summary": {
            "get": {
                "tags": ["Metrics"],
                "summary": "Aggregated service metrics",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/sessions/transitions": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Start or finish a session",
                "description": "Gated on the device location being inside an active zone. Nothing is written when the gate rejects.",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/TransitionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "VALIDATION_ERROR", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "OUT_OF_RANGE or FORBIDDEN", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "NOT_FOUND", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "ALREADY_STARTED or INVALID_TRANSITION", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "ZERO_ZONES_CONFIGURED", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "LOCATION_UNAVAILABLE", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/sessions": {
            "get": {
                "tags": ["Sessions"],
                "summary": "List a subject's session records",
                "parameters": [
                    {"name": "subject_id", "in": "query", "type": "string", "required": true},
                    {"name": "from", "in": "query", "type": "string", "format": "date"},
                    {"name": "to", "in": "query", "type": "string", "format": "date"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/sessions/today": {
            "get": {
                "tags": ["Sessions"],
                "summary": "A subject's scheduled sessions for one day",
                "parameters": [
                    {"name": "subject_id", "in": "query", "type": "string", "required": true},
                    {"name": "date", "in": "query", "type": "string", "format": "date"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/zones": {
            "get": {
                "tags": ["Zones"],
                "summary": "List zones",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "post": {
                "tags": ["Zones"],
                "summary": "Create zone",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ZoneRequest"}}
                ],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/zones/active": {
            "get": {
                "tags": ["Zones"],
                "summary": "List active zones",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/zones/check": {
            "post": {
                "tags": ["Zones"],
                "summary": "Check a coordinate against the active zones",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/Coordinate"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "ZERO_ZONES_CONFIGURED", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/zones/{id}": {
            "get": {
                "tags": ["Zones"],
                "summary": "Get zone",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "put": {
                "tags": ["Zones"],
                "summary": "Update zone",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ZoneRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "delete": {
                "tags": ["Zones"],
                "summary": "Delete zone",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/api/v1/reports/sessions": {
            "get": {
                "tags": ["Reports"],
                "summary": "Session attendance ranking",
                "parameters": [
                    {"name": "month", "in": "query", "type": "string", "description": "YYYY-MM"},
                    {"name": "from", "in": "query", "type": "string", "format": "date"},
                    {"name": "to", "in": "query", "type": "string", "format": "date"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/reports/sessions/{subjectId}": {
            "get": {
                "tags": ["Reports"],
                "summary": "One subject's attendance rate",
                "parameters": [
                    {"name": "subjectId", "in": "path", "type": "string", "required": true},
                    {"name": "month", "in": "query", "type": "string"},
                    {"name": "from", "in": "query", "type": "string", "format": "date"},
                    {"name": "to", "in": "query", "type": "string", "format": "date"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/reports/points/ranking": {
            "get": {
                "tags": ["Reports"],
                "summary": "Merit point ranking",
                "parameters": [
                    {"name": "group_id", "in": "query", "type": "string"},
                    {"name": "month", "in": "query", "type": "string"},
                    {"name": "from", "in": "query", "type": "string", "format": "date"},
                    {"name": "to", "in": "query", "type": "string", "format": "date"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/reports/points/refresh": {
            "post": {
                "tags": ["Reports"],
                "summary": "Drop cached point rollups after point entries were appended",
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/api/v1/reports/points/{subjectId}": {
            "get": {
                "tags": ["Reports"],
                "summary": "One subject's merit/demerit summary",
                "parameters": [
                    {"name": "subjectId", "in": "path", "type": "string", "required": true},
                    {"name": "month", "in": "query", "type": "string"},
                    {"name": "from", "in": "query", "type": "string", "format": "date"},
                    {"name": "to", "in": "query", "type": "string", "format": "date"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/reports/exports": {
            "post": {
                "tags": ["Reports"],
                "summary": "Queue a ranking export",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ExportRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "FEATURE_DISABLED", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/reports/exports/{id}": {
            "get": {
                "tags": ["Reports"],
                "summary": "Export job status",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/api/v1/exports/{token}": {
            "get": {
                "tags": ["Reports"],
                "summary": "Download a finished export",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [{"name": "token", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "File", "schema": {"type": "file"}},
                    "403": {"description": "Invalid or expired token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "Coordinate": {
            "type": "object",
            "properties": {
                "latitude": {"type": "number", "minimum": -90, "maximum": 90},
                "longitude": {"type": "number", "minimum": -180, "maximum": 180}
            },
            "required": ["latitude", "longitude"]
        },
        "TransitionRequest": {
            "type": "object",
            "properties": {
                "occurrence_id": {"type": "string"},
                "subject_id": {"type": "string"},
                "date": {"type": "string", "format": "date"},
                "action": {"type": "string", "enum": ["start", "finish"]},
                "status": {"type": "string", "enum": ["present", "excused", "sick"]},
                "reason": {"type": "string"},
                "location": {"$ref": "#/definitions/Coordinate"}
            },
            "required": ["occurrence_id", "subject_id", "action"]
        },
        "ZoneRequest": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "latitude": {"type": "number"},
                "longitude": {"type": "number"},
                "radius_meters": {"type": "number", "exclusiveMinimum": true, "minimum": 0},
                "active": {"type": "boolean"}
            },
            "required": ["name", "radius_meters"]
        },
        "ExportRequest": {
            "type": "object",
            "properties": {
                "kind": {"type": "string", "enum": ["session_ranking", "point_ranking"]},
                "format": {"type": "string", "enum": ["csv", "pdf"]},
                "month": {"type": "string"},
                "from": {"type": "string", "format": "date"},
                "to": {"type": "string", "format": "date"},
                "group_id": {"type": "string"}
            },
            "required": ["kind", "format"]
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
                "status": {"type": "integer"},
                "details": {"type": "object"}
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
