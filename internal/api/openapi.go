package api

import (
	"net/http"

	"github.com/mattjoyce/hookrelay/internal/auth"
)

// adminRoute describes one admin endpoint for the OpenAPI document.
type adminRoute struct {
	method      string
	path        string
	operationID string
	summary     string
	scope       string
	responses   map[string]string
}

var adminRoutes = []adminRoute{
	{
		method: "get", path: "/admin/queue", operationID: "queue__list",
		summary: "Queue statistics and pending events", scope: auth.ScopeQueueRO,
		responses: map[string]string{"200": "Queue snapshot", "400": "Bad limit"},
	},
	{
		method: "get", path: "/admin/dlq", operationID: "dlq__list",
		summary: "Dead-lettered events", scope: auth.ScopeDLQRO,
		responses: map[string]string{"200": "Dead letters", "400": "Bad limit"},
	},
	{
		method: "post", path: "/admin/dlq/replay/{event_id}", operationID: "dlq__replay",
		summary: "Replay a dead-lettered event through dedup", scope: auth.ScopeDLQRW,
		responses: map[string]string{"200": "Replay outcome", "404": "Unknown event"},
	},
	{
		method: "get", path: "/admin/audit", operationID: "audit__list",
		summary: "Admin audit log, newest first", scope: auth.ScopeAuditRO,
		responses: map[string]string{"200": "Audit entries", "400": "Bad limit"},
	},
	{
		method: "get", path: "/admin/events", operationID: "events__list",
		summary: "Recent relay activity (JSON, or SSE with Accept: text/event-stream)", scope: auth.ScopeEventsRO,
		responses: map[string]string{"200": "Activity feed"},
	},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering the admin routes.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range adminRoutes {
		responses := map[string]any{
			"401": map[string]any{"description": "Missing or invalid token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for code, desc := range rt.responses {
			responses[code] = map[string]any{"description": desc}
		}

		operation := map[string]any{
			"operationId": rt.operationID,
			"summary":     rt.summary,
			"tags":        []string{"admin"},
			"responses":   responses,
			"security":    []any{map[string]any{"BearerAuth": []string{rt.scope}}},
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = operation
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "hookrelay admin",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
