package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Exam Normalization API",
        "description": "Shift normalization, drift tracking and ranking for multi-shift exams",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Submissions", "description": "Response sheet intake and corrections"},
        {"name": "Normalization", "description": "Batch runs, drift and settings"},
        {"name": "Ranking", "description": "Ranks and percentiles"},
        {"name": "System", "description": "Process metrics"}
    ],
    "paths": {
        "/exams/{id}/submissions": {
            "post": {
                "tags": ["Submissions"],
                "summary": "Submit a parsed response sheet",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ParsedSubmission"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Duplicate roll number or archived exam", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exams/{id}/significance": {
            "get": {
                "tags": ["Normalization"],
                "summary": "Check drift since the last full normalization",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exams/{id}/normalization/status": {
            "get": {
                "tags": ["Normalization"],
                "summary": "Normalization status of an exam",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exams/{id}/normalization/batch": {
            "post": {
                "tags": ["Normalization"],
                "summary": "Queue a batch normalization",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "A batch is already running", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exams/{id}/normalization/force": {
            "post": {
                "tags": ["Normalization"],
                "summary": "Reset drift tracking so the exam is fully renormalized",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "run", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exams/{id}/normalization/settings": {
            "put": {
                "tags": ["Normalization"],
                "summary": "Update an exam's normalization settings",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateSettingsRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exams/{id}/ranks": {
            "post": {
                "tags": ["Ranking"],
                "summary": "Recalculate every rank of an exam",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exams/{id}/rankings": {
            "get": {
                "tags": ["Ranking"],
                "summary": "List ranked submissions",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "shiftId", "in": "query", "type": "string"},
                    {"name": "category", "in": "query", "type": "string"},
                    {"name": "state", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "pageSize", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/submissions/{id}": {
            "get": {
                "tags": ["Submissions"],
                "summary": "Get a submission",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Submissions"],
                "summary": "Delete a submission",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/submissions/{id}/raw-score": {
            "patch": {
                "tags": ["Submissions"],
                "summary": "Correct a submission's raw score",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CorrectRawScoreRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/normalization/jobs/{id}": {
            "get": {
                "tags": ["Normalization"],
                "summary": "Get a normalization job",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/normalization/jobs/{id}/cancel": {
            "post": {
                "tags": ["Normalization"],
                "summary": "Cancel a queued or running normalization job",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Job already finished", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/system/metrics": {
            "get": {
                "tags": ["System"],
                "summary": "Process metrics summary",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "QuestionResponse": {
            "type": "object",
            "properties": {
                "questionNumber": {"type": "integer"},
                "section": {"type": "string"},
                "selectedAnswer": {"type": "string"},
                "correctAnswer": {"type": "string"},
                "isCorrect": {"type": "boolean"}
            }
        },
        "ParsedSubmission": {
            "type": "object",
            "required": ["shiftId", "rollNumber", "category", "responses"],
            "properties": {
                "shiftId": {"type": "string"},
                "rollNumber": {"type": "string"},
                "candidateName": {"type": "string"},
                "category": {"type": "string", "enum": ["UR", "OBC", "SC", "ST", "EWS"]},
                "state": {"type": "string"},
                "responses": {"type": "array", "items": {"$ref": "#/definitions/QuestionResponse"}}
            }
        },
        "CorrectRawScoreRequest": {
            "type": "object",
            "required": ["rawScore"],
            "properties": {
                "rawScore": {"type": "number"}
            }
        },
        "UpdateSettingsRequest": {
            "type": "object",
            "required": ["method"],
            "properties": {
                "method": {"type": "string", "description": "z_score, percentile, modified_z, equating, raw or custom; unknown names fall back to z_score"},
                "config": {"type": "object"},
                "enabled": {"type": "boolean"},
                "reNormThreshold": {"type": "number"}
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
