package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"sports-settlement-bot/internal/database"
	"sports-settlement-bot/internal/settlement"
)

// CreatePickRequest registers a pick together with the fixture it references.
// Fixtures are upserted by external_ref, so repeated submissions against the
// same match share one fixture row.
type CreatePickRequest struct {
	Fixture struct {
		ExternalRef string            `json:"external_ref" binding:"required"`
		ProviderIDs map[string]string `json:"provider_ids"`
		HomeTeam    string            `json:"home_team" binding:"required"`
		AwayTeam    string            `json:"away_team" binding:"required"`
		Kickoff     time.Time         `json:"kickoff" binding:"required"`
	} `json:"fixture" binding:"required"`
	Market               string   `json:"market" binding:"required"`
	Selection            string   `json:"selection" binding:"required"`
	Line                 *float64 `json:"line"`
	PredictedProbability float64  `json:"predicted_probability" binding:"required"`
	OfferedPrice         float64  `json:"offered_price" binding:"required"`
	StakeUnits           float64  `json:"stake_units" binding:"required"`
}

// OverrideRequest is an audited operator correction.
type OverrideRequest struct {
	Result   string `json:"result" binding:"required"`
	Operator string `json:"operator" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

func (s *Server) handleCreatePick(c *gin.Context) {
	var req CreatePickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	if !settlement.KnownMarket(req.Market) {
		errorResponse(c, http.StatusBadRequest, "Unknown market: "+req.Market)
		return
	}
	if req.PredictedProbability <= 0 || req.PredictedProbability >= 1 {
		errorResponse(c, http.StatusBadRequest, "predicted_probability must be in (0, 1)")
		return
	}
	if req.OfferedPrice <= 1 {
		errorResponse(c, http.StatusBadRequest, "offered_price must exceed 1.0")
		return
	}
	if req.StakeUnits <= 0 {
		errorResponse(c, http.StatusBadRequest, "stake_units must be positive")
		return
	}

	fixture := &database.Fixture{
		ExternalRef: req.Fixture.ExternalRef,
		ProviderIDs: req.Fixture.ProviderIDs,
		HomeTeam:    req.Fixture.HomeTeam,
		AwayTeam:    req.Fixture.AwayTeam,
		Kickoff:     req.Fixture.Kickoff,
	}
	if fixture.ProviderIDs == nil {
		fixture.ProviderIDs = map[string]string{}
	}
	if err := s.repo.UpsertFixture(c.Request.Context(), fixture); err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to save fixture")
		return
	}

	// The multiplier and suggested stake are advisory reads for the caller;
	// the pick stores the stake exactly as submitted so settlement pays out
	// on what was actually placed.
	multiplier := 1.0
	calibrated := req.PredictedProbability
	if s.calibration != nil {
		multiplier = s.calibration.StakeMultiplier()
		calibrated = s.calibration.CalibratedProbability(req.PredictedProbability)
	}

	pick := &database.Pick{
		FixtureID:            fixture.ID,
		Market:               req.Market,
		Selection:            req.Selection,
		Line:                 req.Line,
		PredictedProbability: req.PredictedProbability,
		OfferedPrice:         req.OfferedPrice,
		StakeUnits:           req.StakeUnits,
		NextEligibleAt:       req.Fixture.Kickoff,
	}
	if err := s.repo.CreatePick(c.Request.Context(), pick); err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to create pick")
		return
	}

	data := gin.H{
		"pick":                   pick,
		"fixture":                fixture,
		"calibrated_probability": calibrated,
		"stake_multiplier":       multiplier,
	}
	if s.staking != nil {
		data["suggested_stake_units"] = s.staking.SuggestStake(calibrated, req.OfferedPrice, multiplier)
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    data,
	})
}

func (s *Server) handleGetPick(c *gin.Context) {
	pick, err := s.repo.GetPickByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrPickNotFound) {
		errorResponse(c, http.StatusNotFound, "Pick not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to load pick")
		return
	}
	successResponse(c, pick)
}

func (s *Server) handleListPicks(c *gin.Context) {
	filter := database.PickFilter{
		Status: c.Query("status"),
		Market: c.Query("market"),
	}

	if dateStr := c.Query("date"); dateStr != "" {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD")
			return
		}
		filter.Date = &date
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > 500 {
			errorResponse(c, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			errorResponse(c, http.StatusBadRequest, "Invalid offset")
			return
		}
		filter.Offset = offset
	}

	picks, err := s.repo.ListPicks(c.Request.Context(), filter)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to list picks")
		return
	}
	successResponse(c, gin.H{"picks": picks, "count": len(picks)})
}

func (s *Server) handlePickStats(c *gin.Context) {
	stats, err := s.repo.GetPickStats(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to compute stats")
		return
	}
	successResponse(c, stats)
}

func (s *Server) handleGetPickAudit(c *gin.Context) {
	audit, err := s.repo.GetOverrideAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to load audit trail")
		return
	}
	successResponse(c, gin.H{"audit": audit, "count": len(audit)})
}

func (s *Server) handleOverridePick(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	pick, freshlyAccounted, err := s.repo.ManualOverride(c.Request.Context(), c.Param("id"), req.Result, req.Operator, req.Reason)
	if errors.Is(err, database.ErrPickNotFound) {
		errorResponse(c, http.StatusNotFound, "Pick not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	// An override that freshly accounts a WON/LOST outcome still feeds the
	// calibration model, same as an automatic settlement would.
	if freshlyAccounted && s.calibration != nil {
		s.calibration.Observe(pick.PredictedProbability, pick.Status == database.StatusWon)
		if err := s.calibration.Persist(c.Request.Context()); err != nil {
			// The override itself committed; in-memory state carries the
			// observation until the next scheduled flush.
			log.Printf("[API] Failed to persist calibration after override: %v", err)
		}
	}

	successResponse(c, pick)
}

func (s *Server) handleCalibrationSummary(c *gin.Context) {
	if s.calibration == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Calibration engine not available")
		return
	}
	successResponse(c, s.calibration.Summary())
}

func (s *Server) handleQuotaUsage(c *gin.Context) {
	if s.cacheSvc == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Cache service not available")
		return
	}

	quota := s.cacheSvc.Quota()
	usage := make(map[string]gin.H)
	for provider, limit := range quota.Limits() {
		used, _, err := quota.Usage(c.Request.Context(), provider)
		if err != nil {
			errorResponse(c, http.StatusServiceUnavailable, "Quota store unavailable")
			return
		}
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		usage[provider] = gin.H{
			"used":      used,
			"limit":     limit,
			"remaining": remaining,
		}
	}
	successResponse(c, gin.H{"date": time.Now().UTC().Format("2006-01-02"), "providers": usage})
}
