package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ventushub/notifications/internal/platform/middleware"
	"github.com/ventushub/notifications/internal/platform/pagination"
	"github.com/ventushub/notifications/internal/services/notifications/api/wire"
	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

var inboxPageSize = pagination.PageSizeConfig{Default: 20, Max: 100}

func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		query := domain.ListQuery{
			UserID:          middleware.GetUserID(c),
			Category:        c.Query("category"),
			Severity:        domain.Severity(c.Query("severity")),
			ReadState:       domain.ReadState(c.Query("read")),
			PinnedOnly:      queryBool(c, "pinned"),
			IncludeArchived: queryBool(c, "includeArchived"),
			ArchivedOnly:    queryBool(c, "archived"),
			PageSize:        pagination.ParsePageSize(c.Query("pageSize"), inboxPageSize),
			PageToken:       c.Query("pageToken"),
		}
		page, err := s.deps.Inbox.List(c.Request.Context(), query)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"notifications": wire.FromNotifications(page.Notifications),
			"nextPageToken": page.NextPageToken,
		})
	}
}

func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.deps.Inbox.Get(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wire.FromNotification(n))
	}
}

func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := s.deps.Inbox.UnreadCount(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"unreadCount": count})
	}
}

func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.deps.Inbox.MarkRead(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wire.FromNotification(n))
	}
}

func (s *Server) handleMarkAllRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := s.deps.Inbox.MarkAllRead(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

func (s *Server) handleSetArchived(archived bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.deps.Inbox.SetArchived(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), archived)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wire.FromNotification(n))
	}
}

func (s *Server) handleSetPinned(pinned bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.deps.Inbox.SetPinned(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), pinned)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wire.FromNotification(n))
	}
}

func (s *Server) handleListGroups() gin.HandlerFunc {
	return func(c *gin.Context) {
		groups, err := s.deps.Inbox.ListGroups(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"groups": wire.FromGroups(groups)})
	}
}

func (s *Server) handleSetGroupCollapsed(collapsed bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		group, err := s.deps.Inbox.SetGroupCollapsed(c.Request.Context(), middleware.GetUserID(c), c.Param("key"), collapsed)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wire.FromGroups([]domain.Group{group})[0])
	}
}

func (s *Server) handleGetPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		prefs, err := s.deps.Inbox.Preferences(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wire.FromPreferences(prefs))
	}
}

func (s *Server) handlePutPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req wire.Preferences
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		prefs, err := req.ToDomain(middleware.GetUserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		saved, err := s.deps.Inbox.UpdatePreferences(c.Request.Context(), prefs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wire.FromPreferences(saved))
	}
}

func (s *Server) handlePutDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req wire.Device
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		token, err := s.deps.Inbox.RegisterDevice(c.Request.Context(), domain.DeviceToken{
			Token:    req.Token,
			UserID:   middleware.GetUserID(c),
			Platform: req.Platform,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wire.Device{Token: token.Token, Platform: token.Platform})
	}
}

func (s *Server) handleDeleteDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		devices, err := s.deps.Inbox.Devices(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		owned := false
		for _, device := range devices {
			owned = owned || device.Token == token
		}
		if !owned {
			writeError(c, &domain.NotFoundError{Kind: "device", Key: token})
			return
		}
		if err := s.deps.Inbox.RemoveDevice(c.Request.Context(), token); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func queryBool(c *gin.Context, name string) bool {
	value, err := strconv.ParseBool(c.Query(name))
	return err == nil && value
}
