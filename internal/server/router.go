package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/changelog"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/coordinator"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const accountIDContextKey = "relay_account_id"

var (
	errMissingStore         = errors.New("change log store dependency required")
	errMissingVerifier      = errors.New("credential verifier dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// CredentialVerifier validates bearer credentials presented on either surface.
type CredentialVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Dependencies wires the gateway to its collaborators.
type Dependencies struct {
	Store    *changelog.Store
	Verifier CredentialVerifier
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Gateway exposes both sync surfaces over one HTTP handler: the persistent
// WebSocket channel and the stateless push/pull fallback, backed by the same
// per-workspace coordinators.
type Gateway struct {
	router   *gin.Engine
	hub      *Hub
	verifier CredentialVerifier
	logger   *zap.Logger
	clock    func() time.Time
	ids      IDProvider
}

// NewGateway validates dependencies and builds the dual-protocol gateway.
func NewGateway(deps Dependencies) (*Gateway, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	gateway := &Gateway{
		verifier: deps.Verifier,
		logger:   logger,
		clock:    clock,
		ids:      NewUUIDProvider(),
	}
	gateway.hub = NewHub(func(ctx context.Context, workspaceID changelog.WorkspaceID) (*coordinator.Coordinator, error) {
		return coordinator.Open(ctx, coordinator.Config{
			WorkspaceID: workspaceID,
			Store:       deps.Store,
			Verifier:    verifierAdapter{verifier: deps.Verifier},
			Logger:      logger,
			Clock:       clock,
		})
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", gateway.handleHealth)
	router.GET("/workspaces/:workspaceId/ws", gateway.handleChannel)
	router.GET("/workspaces/:workspaceId/changes", gateway.handlePull)

	protected := router.Group("/")
	protected.Use(gateway.authorizeRequest)
	protected.POST("/workspaces/:workspaceId/changes", gateway.handlePush)

	gateway.router = router
	return gateway, nil
}

// Handler exposes the gateway as a standard http.Handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Shutdown stops every active workspace coordinator.
func (g *Gateway) Shutdown() {
	g.hub.Shutdown()
}

// verifierAdapter narrows auth claims to the identity the coordinator needs.
type verifierAdapter struct {
	verifier CredentialVerifier
}

func (a verifierAdapter) Verify(token string) (coordinator.Identity, error) {
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return coordinator.Identity{}, err
	}
	return coordinator.Identity{
		AccountID: claims.AccountID,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pullResponsePayload struct {
	Changes []changelog.ChangeRecord `json:"changes"`
	Version int64                    `json:"version"`
}

func (g *Gateway) handlePull(c *gin.Context) {
	workspaceID, err := changelog.NewWorkspaceID(c.Param("workspaceId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace"})
		return
	}

	sinceVersion := int64(0)
	if raw := c.Query("since"); raw != "" {
		sinceVersion, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || sinceVersion < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
	}

	coord, err := g.hub.Get(c.Request.Context(), workspaceID)
	if err != nil {
		g.logger.Error("workspace activation failed",
			zap.String("workspace_id", workspaceID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_unavailable"})
		return
	}

	records, version, err := coord.PullSince(c.Request.Context(), sinceVersion)
	if err != nil {
		g.logger.Error("stateless pull failed",
			zap.String("workspace_id", workspaceID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}
	if records == nil {
		records = []changelog.ChangeRecord{}
	}

	c.JSON(http.StatusOK, pullResponsePayload{Changes: records, Version: version})
}

type pushResponsePayload struct {
	Success bool  `json:"success"`
	Version int64 `json:"version"`
}

func (g *Gateway) handlePush(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	workspaceID, err := changelog.NewWorkspaceID(c.Param("workspaceId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace"})
		return
	}

	var records []changelog.ChangeRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	for _, record := range records {
		if record.ChangeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_change"})
			return
		}
		if _, err := changelog.ParseChangeType(string(record.ChangeType)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_change"})
			return
		}
	}

	coord, err := g.hub.Get(c.Request.Context(), workspaceID)
	if err != nil {
		g.logger.Error("workspace activation failed",
			zap.String("workspace_id", workspaceID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_unavailable"})
		return
	}

	version, err := coord.PushFrom(c.Request.Context(), accountID, records)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
		return
	}

	c.JSON(http.StatusOK, pushResponsePayload{Success: true, Version: version})
}

func (g *Gateway) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Warn("credential verification failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(accountIDContextKey, claims.AccountID)
	c.Next()
}
