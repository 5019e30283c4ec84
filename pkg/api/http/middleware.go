package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// leaderOnly rejects write requests on follower replicas. Clients retry
// against the current leader.
func (s *Server) leaderOnly(c *gin.Context) {
	if s.isLeader() {
		c.Next()
		return
	}

	c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: ErrorDetail{
			Code:    "NOT_LEADER",
			Message: "this replica is not the leader",
		},
	})
}

// corsMiddleware allows browser dashboards on other origins.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
