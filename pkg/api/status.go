package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlasworld/atlasnet/pkg/network"
	"github.com/atlasworld/atlasnet/pkg/protocol"
)

// operatorReason is sent to peers disconnected through the API
const operatorReason = "disconnected by operator"

// HealthResponse contains system health information
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"` // "healthy" or "unhealthy"
	Uptime  string `json:"uptime"`
}

// StatusResponse describes the protocol server
type StatusResponse struct {
	Success         bool              `json:"success"`
	Version         string            `json:"version"`
	ProtocolVersion uint32            `json:"protocolVersion"`
	Addr            string            `json:"addr"`
	Fingerprint     string            `json:"fingerprint"`
	Properties      map[string]string `json:"properties,omitempty"`
	Connections     int               `json:"connections"`
	AveragePing     int32             `json:"averagePing"`
	Uptime          string            `json:"uptime"`
}

// ConnectionInfo describes one server-side connection
type ConnectionInfo struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	Role      string    `json:"role"`
	Validated bool      `json:"validated"`
	Ping      int32     `json:"ping"`
	Pending   int       `json:"pending"`
	Session   string    `json:"session,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConnectionsResponse lists connections
type ConnectionsResponse struct {
	Success     bool             `json:"success"`
	Count       int              `json:"count"`
	Connections []ConnectionInfo `json:"connections"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if s.node.Addr() == nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Success: code == http.StatusOK,
		Status:  status,
		Uptime:  s.node.Uptime().Round(time.Second).String(),
	})
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Success:         true,
		Version:         s.config.Version,
		ProtocolVersion: protocol.ProtocolVersion,
		Fingerprint:     s.node.Fingerprint(),
		Properties:      s.node.Properties(),
		Connections:     s.node.Group().Len(),
		AveragePing:     s.node.Group().AveragePing(),
		Uptime:          s.node.Uptime().Round(time.Second).String(),
	}
	if addr := s.node.Addr(); addr != nil {
		resp.Addr = addr.String()
	}

	c.JSON(http.StatusOK, resp)
}

// handleConnections handles GET /api/v1/connections
func (s *Server) handleConnections(c *gin.Context) {
	conns := s.node.Group().Connections()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, connectionInfo(conn))
	}

	c.JSON(http.StatusOK, ConnectionsResponse{
		Success:     true,
		Count:       len(infos),
		Connections: infos,
	})
}

// handleConnection handles GET /api/v1/connections/:id
func (s *Server) handleConnection(c *gin.Context) {
	conn, ok := s.lookupConnection(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    connectionInfo(conn),
	})
}

// handleDisconnect handles DELETE /api/v1/connections/:id
func (s *Server) handleDisconnect(c *gin.Context) {
	conn, ok := s.lookupConnection(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := conn.Disconnect(ctx, operatorReason); err != nil && !errors.Is(err, network.ErrConnectionClosed) {
		s.log.WithError(err).WithField("connection", conn.ID()).Warn("disconnect failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Disconnect failed",
			Message: err.Error(),
		})
		return
	}

	s.log.WithField("connection", conn.ID()).Info("connection disconnected by operator")
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: "connection closed",
	})
}

// lookupConnection resolves the :id parameter, writing the error response
// itself when it fails
func (s *Server) lookupConnection(c *gin.Context) (*network.Connection, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid connection ID",
			Message: "Connection ID must be a UUID",
		})
		return nil, false
	}

	conn, ok := s.node.Group().Retrieve(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Connection not found"})
		return nil, false
	}
	return conn, true
}

func connectionInfo(conn *network.Connection) ConnectionInfo {
	return ConnectionInfo{
		ID:        conn.ID().String(),
		Remote:    conn.RemoteAddr().String(),
		Role:      conn.Role().String(),
		Validated: conn.Validated(),
		Ping:      conn.Ping(),
		Pending:   conn.Pending(),
		Session:   conn.SessionFingerprint(),
		CreatedAt: conn.CreatedAt(),
	}
}
