package handlers

import (
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*.html
var templateFS embed.FS

var templateFuncs = template.FuncMap{
	"percent": func(score float64) string {
		return fmt.Sprintf("%.2f%%", score*100)
	},
}

// NewRouter wires the handler into a gin engine.
func NewRouter(h *Handler, logger *slog.Logger, cors bool) (*gin.Engine, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	engine := gin.New()
	// Keep multipart uploads in memory; the body limit is enforced per request.
	engine.MaxMultipartMemory = h.maxUpload + 1<<20
	engine.SetHTMLTemplate(tmpl)

	engine.Use(RequestID(), RequestLogger(logger))
	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic", "request_id", c.GetString(requestIDKey), "error", recovered)
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	if cors {
		engine.Use(EnableCORS())
	}

	engine.GET("/", h.Index)
	engine.POST("/", h.Index)
	engine.POST("/detect", h.Detect)
	engine.GET("/health", h.Health)

	return engine, nil
}
