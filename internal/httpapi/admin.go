package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type muteRequest struct {
	Minutes int `json:"minutes"`
}

// runJob запускает задачу планировщика синхронно и возвращает её статус.
func (h *handler) runJob(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.executeJob(c, name)
	}
}

func (h *handler) runNamedJob(c *gin.Context) {
	h.executeJob(c, c.Param("name"))
}

func (h *handler) executeJob(c *gin.Context, name string) {
	loggerFrom(c).WithField("job", name).WithField("admin", principalFrom(c).UserID).Info("manual job run requested")
	if err := h.deps.Jobs.RunNow(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	for _, st := range h.deps.Jobs.Jobs() {
		if st.Name == name {
			writeJSON(c, http.StatusOK, st)
			return
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"name": name})
}

func (h *handler) listJobs(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"jobs": h.deps.Jobs.Jobs()})
}

func (h *handler) listIncidents(c *gin.Context) {
	var statuses []domain.IncidentStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				statuses = append(statuses, domain.IncidentStatus(s))
			}
		}
	}

	incidents, err := h.deps.Guard.List(c.Request.Context(), statuses)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"incidents": incidents})
}

func (h *handler) muteIncident(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Minutes <= 0 {
		badRequest(c, "minutes must be positive")
		return
	}

	inc, err := h.deps.Guard.Mute(c.Request.Context(), c.Param("key"), req.Minutes)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, inc)
}

func (h *handler) resolveIncident(c *gin.Context) {
	inc, err := h.deps.Guard.Resolve(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, inc)
}
