package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jeffreysanford/soundforge/internal/apperr"
	"github.com/jeffreysanford/soundforge/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type tokenPair struct {
	User         userProjection `json:"user"`
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	ExpiresIn    int            `json:"expiresIn"`
}

type userProjection struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Server) issuePair(u *auth.User) (tokenPair, error) {
	access, expires, err := s.issuer.Issue(u.ID, u.Role, s.cfg.Auth.AccessTokenTTL)
	if err != nil {
		return tokenPair{}, err
	}
	refresh, _, err := s.issuer.Issue(u.ID, u.Role, s.cfg.Auth.RefreshTokenTTL)
	if err != nil {
		return tokenPair{}, err
	}
	return tokenPair{
		User:         userProjection{ID: u.ID, Email: u.Email, Role: string(u.Role)},
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(time.Until(expires).Seconds()),
	}, nil
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	u, err := s.users.Register(ctx, req.Email, req.Password)
	if err != nil {
		if apperr.Is(err, apperr.ErrValidation) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	pair, err := s.issuePair(u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusCreated, pair)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	u, err := s.users.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	pair, err := s.issuePair(u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := s.issuer.Verify(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	u, err := s.users.ByID(ctx, claims.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown subject"})
		return
	}

	pair, err := s.issuePair(u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleSession(c *gin.Context) {
	claims := auth.ClaimsFrom(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	u, err := s.users.ByID(ctx, claims.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown subject"})
		return
	}
	c.JSON(http.StatusOK, userProjection{ID: u.ID, Email: u.Email, Role: string(u.Role)})
}

func (s *Server) handleLogout(c *gin.Context) {
	// Stateless bearer tokens: the client discards them. Nothing to revoke
	// server-side at this scope.
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (s *Server) handleIssueServiceToken(c *gin.Context) {
	var req struct {
		Sub string `json:"sub" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, expires, err := s.issuer.Issue(req.Sub, auth.RoleOrchestrator, s.cfg.Auth.ServiceTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresIn": int(time.Until(expires).Seconds()),
		"sub":       req.Sub,
		"role":      auth.RoleOrchestrator,
	})
}
