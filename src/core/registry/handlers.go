package registry

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mcp-mesh-registry/src/core/database"
)

const serverVersion = "1.0.0"

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": s.config.RegistryName,
		"version": serverVersion,
		"status":  "running",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   s.config.RegistryName,
		"version":   serverVersion,
		"uptime_s":  int(time.Since(s.startedAt).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req AgentRegistration
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "malformed request body", "error_code": "invalid_json",
		})
		return
	}

	resp, err := s.service.Register(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	agentID := c.Param("id")

	var req AgentRegistration
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "malformed request body", "error_code": "invalid_json",
		})
		return
	}
	if req.AgentID == "" {
		req.AgentID = agentID
	}
	if req.AgentID != agentID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "agent_id in body does not match path", "error_code": "agent_id_mismatch",
		})
		return
	}

	resp, err := s.service.Heartbeat(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleProbe serves the fast-heartbeat path. HEAD responses carry no body;
// the status code is the whole payload.
func (s *Server) handleProbe(c *gin.Context) {
	result, err := s.service.Probe(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	switch result {
	case ProbeGone:
		c.Status(http.StatusGone)
	case ProbeTopologyChanged:
		c.Status(http.StatusAccepted)
	default:
		c.Status(http.StatusOK)
	}
}

func (s *Server) handleUnregister(c *gin.Context) {
	err := s.service.Unregister(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	cache := s.service.Cache()
	key := cache.Key("agents")
	if cached, ok := cache.Get(key); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	agents, err := s.service.ListAgents(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{"agents": agents, "count": len(agents)}
	cache.Set(key, resp)
	c.JSON(http.StatusOK, resp)
}

// handleDiscover resolves a capability label ad-hoc. Query parameters:
// tags (comma-separated, with +/- prefixes), version, namespace.
func (s *Server) handleDiscover(c *gin.Context) {
	dep := database.Dependency{
		Capability: c.Param("capability"),
		Version:    c.Query("version"),
		Namespace:  c.Query("namespace"),
	}
	if tags := c.Query("tags"); tags != "" {
		dep.Tags = strings.Split(tags, ",")
	}

	resolved, err := s.service.Resolver().Resolve(c.Request.Context(), "", "", dep)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if resolved == nil {
		c.JSON(http.StatusOK, gin.H{"capability": dep.Capability, "resolved": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"capability": dep.Capability,
		"resolved":   true,
		"provider":   resolved,
	})
}

func (s *Server) handleTraceStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracing.Status(c.Request.Context()))
}

// writeError maps service errors onto the HTTP taxonomy: validation -> 400,
// missing rows -> 404, anything else is treated as a transient store
// failure the client should retry -> 503.
func (s *Server) writeError(c *gin.Context, err error) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": vErr.Message, "error_code": vErr.Code, "field": vErr.Field,
		})
		return
	}
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.logger.Error("Request failed: %v", err)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry temporarily unavailable"})
}
