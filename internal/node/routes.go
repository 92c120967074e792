package node

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/peerlink/internal/auth"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (n *Node) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestObserver(n.cfg.ID.String(), observability.NodeLogger(n.cfg.ID.String())))
	if len(n.cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: n.cfg.CorsOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodDelete},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	n.registerRoutes(r)
	return r
}

func (n *Node) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(n.appeared).String(),
			"component": "peerlink-node",
			"phase":     n.Phase(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, n.Status())
	})

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": n.dir.Sessions()})
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		id, ok := parseParam(c, "id")
		if !ok {
			return
		}
		sess, found := n.dir.Find(id)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	guard := func(c *gin.Context) { c.Next() }
	if n.cfg.AdminToken != "" {
		guard = auth.Require(auth.StaticToken{Token: n.cfg.AdminToken})
	}

	r.DELETE("/sessions/:id", guard, func(c *gin.Context) {
		id, ok := parseParam(c, "id")
		if !ok {
			return
		}
		_ = n.Teardown(id)
		c.JSON(http.StatusOK, gin.H{"status": "closed", "id": id})
	})

	r.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": n.dir.ListReachablePeers()})
	})

	r.GET("/groups", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"owned":  n.coord.Groups(),
			"joined": n.Memberships(),
		})
	})

	r.GET("/groups/:name", func(c *gin.Context) {
		g, found := n.coord.Group(strings.TrimSpace(c.Param("name")))
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		c.JSON(http.StatusOK, g)
	})
}

func parseParam(c *gin.Context, name string) (identity.ID, bool) {
	id, err := identity.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}
