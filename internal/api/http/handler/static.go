package handler

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// StaticHandler serves a single-page app. Unknown paths fall back to
// index.html so client-side routing works; API paths never do.
type StaticHandler struct {
	dir string
}

func NewStaticHandler(dir string) *StaticHandler {
	return &StaticHandler{dir: dir}
}

func (h *StaticHandler) Serve(c *gin.Context) {
	reqPath := c.Request.URL.Path
	if h.dir == "" || strings.HasPrefix(reqPath, "/api/") || strings.HasPrefix(reqPath, "/admin/") ||
		(c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	file := filepath.Join(h.dir, filepath.FromSlash(path.Clean("/"+reqPath)))
	if info, err := os.Stat(file); err == nil && !info.IsDir() {
		c.File(file)
		return
	}

	index := filepath.Join(h.dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.File(index)
}
