package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygrid/orchestrator/internal/capability"
	"github.com/relaygrid/orchestrator/internal/jobmanager"
	"github.com/relaygrid/orchestrator/internal/registry"
)

func secondsToDuration(s int) time.Duration {
	if s <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s) * time.Second
}

func (s *Server) handleHealthz(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok"})
}

type workerView struct {
	ID       string                 `json:"id"`
	BaseURL  string                 `json:"base_url"`
	Health   registry.HealthStatus `json:"health"`
	Disabled bool                   `json:"disabled"`
}

func (s *Server) handleListWorkers(c *gin.Context) {
	descs := s.reg.All()
	out := make([]workerView, 0, len(descs))
	for _, d := range descs {
		out = append(out, workerView{
			ID:       d.ID,
			BaseURL:  d.BaseURL,
			Health:   s.reg.HealthOf(d.ID),
			Disabled: d.Disabled,
		})
	}
	respondOK(c, gin.H{"workers": out})
}

func (s *Server) handleSetDisabled(disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.reg.SetDisabled(id, disabled); err != nil {
			respondError(c, http.StatusNotFound, "unknown_worker", err)
			return
		}
		// Operator-triggered topology changes invalidate any routing
		// decision cached before this call.
		s.router.FlushCache()
		respondOK(c, gin.H{"id": id, "disabled": disabled})
	}
}

func (s *Server) handleProbeWorker(c *gin.Context) {
	id := c.Param("id")
	if _, _, ok := s.reg.Get(id); !ok {
		respondError(c, http.StatusNotFound, "unknown_worker", errors.New("unknown worker"))
		return
	}
	status := s.reg.Probe(c.Request.Context(), s.prober, id)
	respondOK(c, gin.H{"id": id, "health": status})
}

func (s *Server) handleFlushRouteCache(c *gin.Context) {
	s.router.FlushCache()
	respondOK(c, gin.H{"flushed": true})
}

func (s *Server) handleRouteHistory(c *gin.Context) {
	respondOK(c, gin.H{"decisions": s.router.History()})
}

// capabilityRequirement is the wire shape of one required capability:
// a name, a semver requirement, and an optional parameter set. Mirrors
// capability.Capability rather than collapsing it to a bare name, since
// a caller that needs a specific version or parameter (e.g. "ocr") must
// be able to say so.
type capabilityRequirement struct {
	Name       string   `json:"name" binding:"required"`
	Version    string   `json:"version" binding:"required"`
	Parameters []string `json:"parameters"`
}

// submitJobRequest is bound and validated via go-playground/validator
// through gin's default binding.
type submitJobRequest struct {
	TaskKind             string                  `json:"task_kind" binding:"required,task_kind"`
	Owner                string                  `json:"owner" binding:"required"`
	Payload              json.RawMessage         `json:"payload" binding:"required"`
	RequiredCapabilities []capabilityRequirement `json:"required_capabilities"`
	IsHeavy              bool                    `json:"is_heavy"`
	Priority             int                     `json:"priority" binding:"gte=0,lte=3"`
	CallbackURL          string                  `json:"callback_url" binding:"omitempty,url"`
}

func (s *Server) handleSubmitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	reqCaps := make([]capability.Capability, 0, len(req.RequiredCapabilities))
	for _, rc := range req.RequiredCapabilities {
		reqCap, err := capability.New(rc.Name, rc.Version, rc.Parameters...)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("required_capabilities: %w", err))
			return
		}
		reqCaps = append(reqCaps, reqCap)
	}

	job, err := s.jobs.Submit(jobmanager.Spec{
		TaskKind:             req.TaskKind,
		Owner:                req.Owner,
		Payload:              req.Payload,
		RequiredCapabilities: reqCaps,
		IsHeavy:              req.IsHeavy,
		Priority:             jobmanager.Priority(req.Priority),
		CallbackURL:          req.CallbackURL,
	})
	if err != nil {
		respondError(c, http.StatusBadRequest, "submit_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "state": job.State})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.jobs.Get(id)
	if !ok {
		respondError(c, http.StatusNotFound, "unknown_job", errors.New("unknown job"))
		return
	}
	respondOK(c, job)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.jobs.Cancel(id); err != nil {
		respondError(c, http.StatusNotFound, "cancel_failed", err)
		return
	}
	respondOK(c, gin.H{"id": id, "state": "cancelled"})
}

// handleCallback verifies a worker's signed callback before ever touching
// job state: an unverified callback must never be allowed to finalize a
// job, since that would let any caller who can reach this endpoint forge
// job outcomes.
func (s *Server) handleCallback(c *gin.Context) {
	taskID := c.Param("task_id")

	auth := c.GetHeader("Authorization")
	token, err := bearerToken(auth)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "missing_bearer_token", err)
		return
	}

	claims, err := s.verifier.VerifyCallback(token)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "invalid_callback_envelope", err)
		return
	}
	if claims.TaskID != taskID {
		respondError(c, http.StatusBadRequest, "task_id_mismatch", errors.New("callback task_id does not match URL"))
		return
	}

	var body struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		respondError(c, http.StatusBadRequest, "invalid_callback_body", err)
		return
	}

	if err := s.jobs.HandleCallback(claims.TaskID, claims.WorkerID, claims.Succeeded, body.Result, body.Error); err != nil {
		respondError(c, http.StatusConflict, "callback_rejected", err)
		return
	}
	respondOK(c, gin.H{"accepted": true})
}

func bearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", errors.New("missing or malformed Authorization header")
	}
	return header[len(prefix):], nil
}
