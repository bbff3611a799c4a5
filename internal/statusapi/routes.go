package statusapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/store"
)

// registerRoutes sets up all status routes on the Gin router.
func registerRoutes(router *gin.Engine, st *store.Store, sessions *session.Manager) {
	router.GET("/healthz", handleHealth)

	api := router.Group("/api")
	api.GET("/sessions", handleSessionList(st))
	api.GET("/sessions/:id", handleSessionStats(st, sessions))
	api.GET("/sessions/:id/groups", handleSessionGroups(st))
	api.GET("/sessions/:id/events", handleSessionEvents(st))
	api.GET("/sessions/:id/notices", handleSessionNotices(st))
	api.GET("/groups/:id", handleGroupDetail(st))
	api.POST("/notices/:id/ack", handleNoticeAck(st))
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleSessionList(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var list []models.Session
		if err := st.DB().Order("started_at DESC").Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// SessionDetail pairs the aggregate counters with the most recent
// validator verdict, when one has been recorded.
type SessionDetail struct {
	Stats         *session.Stats           `json:"stats"`
	LatestVerdict *models.ValidatorVerdict `json:"latest_verdict,omitempty"`
}

func handleSessionStats(st *store.Store, sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !sessionExists(st.DB(), id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		stats, err := sessions.Stats(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		verdict, err := st.LatestVerdict(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SessionDetail{Stats: stats, LatestVerdict: verdict})
	}
}

func handleSessionGroups(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !sessionExists(st.DB(), id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		groups, err := st.GroupsBySession(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, groups)
	}
}

func handleSessionEvents(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !sessionExists(st.DB(), id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		events, err := st.Events(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

func handleSessionNotices(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !sessionExists(st.DB(), id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		notices, err := notify.Inbox(st.DB(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, notices)
	}
}

// GroupDetail is the full read view of one task group.
type GroupDetail struct {
	Group         models.TaskGroup      `json:"group"`
	OpenIssues    []models.Issue        `json:"open_issues"`
	ResolvedSigs  map[string]bool       `json:"resolved_signatures,omitempty"`
	LatestCycle   *models.ReviewCycle   `json:"latest_cycle,omitempty"`
	MergeAttempts []models.MergeAttempt `json:"merge_attempts"`
}

func handleGroupDetail(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		var tg models.TaskGroup
		if err := st.DB().Where("id = ?", id).First(&tg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "task group not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		detail := GroupDetail{Group: tg}

		issues, err := st.UnresolvedIssues(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		detail.OpenIssues = issues

		resolved, err := st.ResolvedSignatures(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		detail.ResolvedSigs = resolved

		cycle, err := st.LatestReviewCycle(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		detail.LatestCycle = cycle

		attempts, err := st.MergeAttempts(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		detail.MergeAttempts = attempts

		c.JSON(http.StatusOK, detail)
	}
}

func handleNoticeAck(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "notice id must be numeric"})
			return
		}
		if err := notify.Acknowledge(st.DB(), uint(id)); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"acknowledged": id})
	}
}

func sessionExists(db *gorm.DB, sessionID string) bool {
	var count int64
	db.Model(&models.Session{}).Where("id = ?", sessionID).Count(&count)
	return count > 0
}
