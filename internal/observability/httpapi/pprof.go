package httpapi

import (
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

func pprofRoutes(r *gin.RouterGroup) {
	r.GET("/debug/pprof/*name", func(c *gin.Context) {
		switch strings.TrimPrefix(c.Param("name"), "/") {
		case "cmdline":
			hpprof.Cmdline(c.Writer, c.Request)
		case "profile":
			hpprof.Profile(c.Writer, c.Request)
		case "symbol":
			hpprof.Symbol(c.Writer, c.Request)
		case "trace":
			hpprof.Trace(c.Writer, c.Request)
		default:
			hpprof.Index(c.Writer, c.Request)
		}
	})
}
