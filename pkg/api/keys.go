package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlasworld/atlasnet/pkg/crypto"
	"github.com/atlasworld/atlasnet/pkg/storage"
)

// TrustKeyRequest is the body of POST /api/v1/keys
type TrustKeyRequest struct {
	ID           string `json:"id" binding:"required"`
	PublicKeyPEM string `json:"publicKeyPem" binding:"required"`
	Label        string `json:"label"`
}

// KeyInfo describes a key store entry
type KeyInfo struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Label       string     `json:"label,omitempty"`
	Blacklisted bool       `json:"blacklisted"`
	AddedAt     time.Time  `json:"addedAt"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// KeysResponse lists key store entries
type KeysResponse struct {
	Success bool      `json:"success"`
	Count   int       `json:"count"`
	Keys    []KeyInfo `json:"keys"`
}

// handleKeys handles GET /api/v1/keys
func (s *Server) handleKeys(c *gin.Context) {
	keys, err := s.keys.List()
	if err != nil {
		s.log.WithError(err).Error("failed to list keys")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list keys",
			Message: err.Error(),
		})
		return
	}

	infos := make([]KeyInfo, 0, len(keys))
	for _, k := range keys {
		infos = append(infos, keyInfo(k))
	}

	c.JSON(http.StatusOK, KeysResponse{
		Success: true,
		Count:   len(infos),
		Keys:    infos,
	})
}

// handleTrustKey handles POST /api/v1/keys
func (s *Server) handleTrustKey(c *gin.Context) {
	var req TrustKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	id, err := uuid.Parse(req.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid key ID",
			Message: "Key ID must be a UUID",
		})
		return
	}

	pub, err := crypto.ImportPublicKeyPEM([]byte(req.PublicKeyPEM))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid public key",
			Message: err.Error(),
		})
		return
	}

	if err := s.keys.Trust(id, pub, req.Label); err != nil {
		if errors.Is(err, storage.ErrBlacklisted) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "Key is blacklisted",
				Message: "Revoke the entry before trusting it again",
			})
			return
		}
		s.log.WithError(err).WithField("id", id).Error("failed to trust key")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to store key",
			Message: err.Error(),
		})
		return
	}

	s.respondKey(c, http.StatusCreated, id)
}

// handleRevokeKey handles DELETE /api/v1/keys/:id
func (s *Server) handleRevokeKey(c *gin.Context) {
	id, ok := parseKeyID(c)
	if !ok {
		return
	}

	if err := s.keys.Revoke(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Key not found"})
			return
		}
		s.log.WithError(err).WithField("id", id).Error("failed to revoke key")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to revoke key",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: "key revoked",
	})
}

// handleBlacklistKey handles POST /api/v1/keys/:id/blacklist. Live
// connections of the id are closed too.
func (s *Server) handleBlacklistKey(c *gin.Context) {
	id, ok := parseKeyID(c)
	if !ok {
		return
	}

	if err := s.keys.Blacklist(id); err != nil {
		s.log.WithError(err).WithField("id", id).Error("failed to blacklist key")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to blacklist key",
			Message: err.Error(),
		})
		return
	}

	if conn, ok := s.node.Group().Retrieve(id); ok {
		_ = conn.Disconnect(c.Request.Context(), operatorReason)
	}

	s.respondKey(c, http.StatusOK, id)
}

func (s *Server) respondKey(c *gin.Context, status int, id uuid.UUID) {
	key, err := s.keys.Lookup(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to read key",
			Message: err.Error(),
		})
		return
	}

	c.JSON(status, SuccessResponse{
		Success: true,
		Data:    keyInfo(key),
	})
}

func parseKeyID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid key ID",
			Message: "Key ID must be a UUID",
		})
		return uuid.Nil, false
	}
	return id, true
}

func keyInfo(k *storage.TrustedKey) KeyInfo {
	info := KeyInfo{
		ID:          k.ID.String(),
		Fingerprint: k.Fingerprint,
		Label:       k.Label,
		Blacklisted: k.Blacklisted,
		AddedAt:     k.AddedAt,
	}
	if !k.LastSeen.IsZero() {
		seen := k.LastSeen
		info.LastSeen = &seen
	}
	return info
}
