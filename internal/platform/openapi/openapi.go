// Package openapi describes the registered HTTP routes as an OpenAPI 3.0
// document.
package openapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// Generator builds the document from the echo route table at request time,
// so routes registered after the generator still appear.
type Generator struct {
	routes    func() []*echo.Route
	version   string
	baseURL   string
	public    func(path string) bool
	summaries map[string]string
}

// NewGenerator documents every route returned by routes. public reports the
// route paths that need no bearer token.
func NewGenerator(routes func() []*echo.Route, version, baseURL string, public func(path string) bool) *Generator {
	return &Generator{
		routes:    routes,
		version:   version,
		baseURL:   baseURL,
		public:    public,
		summaries: make(map[string]string),
	}
}

// Describe sets the summary shown for "METHOD /path".
func (g *Generator) Describe(method, path, summary string) {
	g.summaries[method+" "+path] = summary
}

// GenerateSpec produces the OpenAPI 3.0 document as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	routes := g.routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})

	paths := make(map[string]map[string]interface{})
	for _, r := range routes {
		method := strings.ToLower(r.Method)
		if method == "" || r.Method == echo.RouteNotFound {
			continue
		}
		path, params := convertPath(r.Path)
		if paths[path] == nil {
			paths[path] = make(map[string]interface{})
		}

		op := map[string]interface{}{
			"operationId": operationID(r.Method, path),
			"tags":        []string{tagFor(r.Path)},
			"responses":   g.buildResponses(r),
		}
		if s, ok := g.summaries[r.Method+" "+r.Path]; ok {
			op["summary"] = s
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		if g.public != nil && g.public(r.Path) {
			op["security"] = []map[string][]string{}
		}
		paths[path][method] = op
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "MedVault API",
			"version":     g.version,
			"description": "Medical record storage and sharing between patients and doctors",
		},
		"servers":  []map[string]string{{"url": g.baseURL}},
		"paths":    paths,
		"security": []map[string][]string{{"bearerAuth": {}}},
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]string{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
			"schemas": map[string]interface{}{
				"Error": buildErrorSchema(),
			},
		},
	}
}

func (g *Generator) buildResponses(r *echo.Route) map[string]interface{} {
	ok := "200"
	switch r.Method {
	case http.MethodPost:
		ok = "201"
	case http.MethodDelete:
		ok = "204"
	}
	responses := map[string]interface{}{
		ok:        map[string]string{"description": "Success"},
		"default": buildErrorResponse("Error"),
	}
	if g.public == nil || !g.public(r.Path) {
		responses["401"] = buildErrorResponse("Missing or invalid session")
	}
	return responses
}

func buildErrorResponse(description string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]string{"$ref": "#/components/schemas/Error"},
			},
		},
	}
}

func buildErrorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"error": map[string]interface{}{
				"type":     "object",
				"required": []string{"kind", "message"},
				"properties": map[string]interface{}{
					"kind": map[string]interface{}{
						"type": "string",
						"enum": []string{"validation", "auth", "forbidden", "not_found", "conflict", "persistence"},
					},
					"message": map[string]string{"type": "string"},
					"partial": map[string]string{"type": "boolean"},
				},
			},
		},
	}
}

// convertPath rewrites echo's ":id" and "*" segments into OpenAPI templates.
func convertPath(path string) (string, []map[string]interface{}) {
	segments := strings.Split(path, "/")
	var params []map[string]interface{}
	for i, seg := range segments {
		name := ""
		switch {
		case strings.HasPrefix(seg, ":"):
			name = seg[1:]
		case seg == "*":
			name = "path"
		default:
			continue
		}
		segments[i] = "{" + name + "}"
		params = append(params, map[string]interface{}{
			"name":     name,
			"in":       "path",
			"required": true,
			"schema":   map[string]string{"type": "string"},
		})
	}
	return strings.Join(segments, "/"), params
}

// tagFor groups routes by the first segment after the API prefix.
func tagFor(path string) string {
	path = strings.TrimPrefix(path, "/api/v1")
	seg := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
	if seg == "" {
		return "root"
	}
	return seg
}

func operationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/api/v1"), "/") {
		seg = strings.Trim(seg, "{}")
		for _, part := range strings.FieldsFunc(seg, func(r rune) bool { return r == '-' || r == '_' || r == '.' }) {
			b.WriteString(strings.ToUpper(part[:1]) + part[1:])
		}
	}
	return b.String()
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>MedVault API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({ url: "openapi.json", dom_id: "#swagger-ui" })
  </script>
</body>
</html>`

// RegisterRoutes registers the OpenAPI endpoints.
func (g *Generator) RegisterRoutes(apiGroup *echo.Group) {
	apiGroup.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	apiGroup.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
