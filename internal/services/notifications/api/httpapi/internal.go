package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ventushub/notifications/internal/platform/pagination"
	"github.com/ventushub/notifications/internal/services/notifications/api/wire"
	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

var activityPageSize = pagination.PageSizeConfig{Default: 50, Max: 200}

// handleIngest records an event. With ?async=true the event is queued and
// evaluated in the background.
func (s *Server) handleIngest() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req wire.Event
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		event := req.ToDomain()
		if queryBool(c, "async") {
			if err := s.deps.Activity.Submit(event); err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, wire.IngestResult{NotificationIDs: []string{}, Queued: true})
			return
		}
		result, err := s.deps.Activity.Ingest(c.Request.Context(), event)
		if err != nil {
			writeError(c, err)
			return
		}
		ids := result.NotificationIDs
		if ids == nil {
			ids = []string{}
		}
		c.JSON(http.StatusCreated, wire.IngestResult{ActivityID: result.ActivityID, NotificationIDs: ids})
	}
}

func (s *Server) handleListActivity() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := s.deps.Activity.List(
			c.Request.Context(),
			c.Query("filter"),
			pagination.ParsePageSize(c.Query("pageSize"), activityPageSize),
			c.Query("pageToken"),
		)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entries":       wire.FromActivity(page.Entries),
			"nextPageToken": page.NextPageToken,
		})
	}
}

// handleSend creates one notification per recipient. Recipients already
// processed stay created when a later one fails.
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req wire.Send
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		drafts, err := req.Drafts()
		if err != nil {
			writeError(c, err)
			return
		}
		created := make([]domain.Notification, 0, len(drafts))
		for _, draft := range drafts {
			n, err := s.deps.Inbox.Create(c.Request.Context(), draft)
			if err != nil {
				writeError(c, err)
				return
			}
			created = append(created, n)
		}
		c.JSON(http.StatusCreated, gin.H{"notifications": wire.FromNotifications(created)})
	}
}

func (s *Server) handleCancel() gin.HandlerFunc {
	return func(c *gin.Context) {
		cancelled, err := s.deps.Inbox.CancelScheduled(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelledJobs": cancelled})
	}
}

func (s *Server) handlePutTemplate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req wire.Template
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		tpl, err := req.ToDomain()
		if err != nil {
			writeError(c, err)
			return
		}
		saved, err := s.deps.Rules.PutTemplate(c.Request.Context(), tpl)
		if err != nil {
			writeError(c, err)
			return
		}
		s.writeTemplate(c, http.StatusOK, saved)
	}
}

func (s *Server) handleGetTemplate() gin.HandlerFunc {
	return func(c *gin.Context) {
		tpl, err := s.deps.Rules.Template(c.Request.Context(), c.Param("key"))
		if err != nil {
			writeError(c, err)
			return
		}
		s.writeTemplate(c, http.StatusOK, tpl)
	}
}

func (s *Server) handleListTemplates() gin.HandlerFunc {
	return func(c *gin.Context) {
		templates, err := s.deps.Rules.Templates(c.Request.Context(), queryBool(c, "active"))
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]wire.Template, 0, len(templates))
		for _, tpl := range templates {
			item, err := wire.FromTemplate(tpl)
			if err != nil {
				writeError(c, err)
				return
			}
			out = append(out, item)
		}
		c.JSON(http.StatusOK, gin.H{"templates": out})
	}
}

func (s *Server) handleSetTemplateActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tpl, err := s.deps.Rules.SetTemplateActive(c.Request.Context(), c.Param("key"), active)
		if err != nil {
			writeError(c, err)
			return
		}
		s.writeTemplate(c, http.StatusOK, tpl)
	}
}

func (s *Server) writeTemplate(c *gin.Context, status int, tpl domain.Template) {
	out, err := wire.FromTemplate(tpl)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, out)
}

func (s *Server) handlePutTrigger() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req wire.Trigger
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		trigger, err := req.ToDomain()
		if err != nil {
			writeError(c, err)
			return
		}
		saved, err := s.deps.Rules.PutTrigger(c.Request.Context(), trigger)
		if err != nil {
			writeError(c, err)
			return
		}
		s.writeTrigger(c, http.StatusOK, saved)
	}
}

func (s *Server) handleGetTrigger() gin.HandlerFunc {
	return func(c *gin.Context) {
		trigger, err := s.deps.Rules.Trigger(c.Request.Context(), c.Param("key"))
		if err != nil {
			writeError(c, err)
			return
		}
		s.writeTrigger(c, http.StatusOK, trigger)
	}
}

func (s *Server) handleListTriggers() gin.HandlerFunc {
	return func(c *gin.Context) {
		triggers, err := s.deps.Rules.Triggers(c.Request.Context(), queryBool(c, "active"))
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]wire.Trigger, 0, len(triggers))
		for _, trigger := range triggers {
			item, err := wire.FromTrigger(trigger)
			if err != nil {
				writeError(c, err)
				return
			}
			out = append(out, item)
		}
		c.JSON(http.StatusOK, gin.H{"triggers": out})
	}
}

func (s *Server) handleSetTriggerActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		trigger, err := s.deps.Rules.SetTriggerActive(c.Request.Context(), c.Param("key"), active)
		if err != nil {
			writeError(c, err)
			return
		}
		s.writeTrigger(c, http.StatusOK, trigger)
	}
}

func (s *Server) writeTrigger(c *gin.Context, status int, trigger domain.Trigger) {
	out, err := wire.FromTrigger(trigger)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, out)
}

func (s *Server) handlePutContact() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req wire.Contact
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		contact, err := s.deps.Rules.PutContact(c.Request.Context(), req.ToDomain())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wire.FromContact(contact))
	}
}

func (s *Server) handleListMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		partitions, err := s.deps.Metrics.List(c.Request.Context(), c.Query("from"), c.Query("to"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"partitions": wire.FromMetrics(partitions)})
	}
}

func (s *Server) handleEngagement() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req wire.Engagement
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		kind, err := domain.ParseEngagement(req.Kind)
		if err != nil {
			writeError(c, err)
			return
		}
		if req.DeliveryID == "" {
			writeError(c, domain.NewValidationError("deliveryId", "is required"))
			return
		}
		at := s.deps.Clock().UTC()
		if req.At != nil {
			at = req.At.UTC()
		}
		entry, err := s.deps.Engagements.RecordEngagement(c.Request.Context(), req.DeliveryID, kind, at)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"deliveryId":       entry.ID,
			"status":           string(entry.Status),
			"interactionCount": entry.InteractionCount,
		})
	}
}
