package http

import (
	"context"
	"net/http"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/ports"
	"visiocall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// ClusterPresence lists users online on any signaling instance.
type ClusterPresence interface {
	OnlineUsers(ctx context.Context) ([]domain.UserIdentity, error)
}

type PresenceHandler struct {
	signaling ports.SignalingService
	cluster   ClusterPresence
}

// NewPresenceHandler serves presence over REST. cluster may be nil when no
// presence feed is configured.
func NewPresenceHandler(signaling ports.SignalingService, cluster ClusterPresence) *PresenceHandler {
	return &PresenceHandler{
		signaling: signaling,
		cluster:   cluster,
	}
}

func (h *PresenceHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/users/online", h.ListOnlineUsers)
	}
}

// ListOnlineUsers mirrors getOnlineUsers. With scope=cluster it reads the
// presence feed instead of this instance's registry.
func (h *PresenceHandler) ListOnlineUsers(c *gin.Context) {
	switch scope := c.DefaultQuery("scope", "local"); scope {
	case "local":
		users := h.signaling.GetOnlineUsers(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"users": users,
			"count": len(users),
		})

	case "cluster":
		if h.cluster == nil {
			c.Error(errors.NewServiceUnavailableError("presence feed not configured"))
			return
		}
		users, err := h.cluster.OnlineUsers(c.Request.Context())
		if err != nil {
			c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "presence feed unavailable", http.StatusServiceUnavailable))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"users": users,
			"count": len(users),
		})

	default:
		c.Error(errors.NewInvalidInputError("unknown scope").WithContext("scope", scope))
	}
}
