package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/modfin/henry/compare"
	"github.com/relata/kampanj"
	"github.com/relata/kampanj/internal/dao"
	"github.com/relata/kampanj/internal/signals"
	"github.com/relata/kampanj/internal/suppress"
)

// providerHook is the inbound webhook. Everything reachable answers 200 so
// the provider never goes into a retry storm, a malformed body included.
func (s *Server) providerHook(c echo.Context) error {

	var raw kampanj.WebhookEvent
	err := c.Bind(&raw)
	if err != nil {
		s.log.WithError(err).Warn("malformed provider event payload")
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "malformed payload",
		})
	}

	result, err := s.ing.Ingest(c.Request().Context(), raw)
	if err != nil {
		s.log.WithError(err).Error("event ingestion failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "event ingestion failed")
	}

	resp := map[string]interface{}{
		"success": result.Accepted,
		"message": result.Message,
	}
	if result.EventID != 0 {
		resp["event_id"] = result.EventID
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) unsubscribe(c echo.Context) error {

	var req struct {
		Email  string `json:"email"`
		Reason string `json:"reason"`
		Source string `json:"source"`
	}
	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse body")
	}

	unsub, err := s.sup.Suppress(req.Email, req.Reason, compare.Coalesce(req.Source, dao.UnsubscribeSourceWebForm))
	if errors.Is(err, suppress.ErrAlreadyExists) {
		return c.JSON(http.StatusConflict, unsub)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, unsub)
}

func (s *Server) createCampaign(c echo.Context) error {

	var req struct {
		dao.Campaign
		Steps []dao.Step `json:"steps"`
	}
	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "a campaign name must be provided")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	for i := range req.Steps {
		if req.Steps[i].ID == "" {
			req.Steps[i].ID = uuid.New().String()
		}
	}

	err = s.db.CreateCampaign(req.Campaign, req.Steps)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, req.Campaign)
}

func (s *Server) getCampaign(c echo.Context) error {
	campaign, err := s.db.GetCampaign(c.Param("id"))
	if errors.Is(err, dao.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no such campaign")
	}
	if err != nil {
		return err
	}
	steps, err := s.db.GetSteps(campaign.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"campaign": campaign,
		"steps":    steps,
	})
}

func (s *Server) activateCampaign(c echo.Context) error {

	var req struct {
		Recipients []dao.Recipient `json:"recipients"`
	}
	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse body")
	}
	if len(req.Recipients) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "recipients must be provided")
	}

	created, err := s.db.ActivateCampaign(c.Param("id"), req.Recipients, time.Now())
	if errors.Is(err, dao.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no such campaign")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Wakes the dispatcher so the first batch goes out now rather than on
	// the next tick.
	s.bus.Broadcast(signals.SendsEnqueued)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"campaign_id":   c.Param("id"),
		"sends_created": created,
	})
}

func (s *Server) dispatchCampaign(c echo.Context) error {
	count, err := s.disp.TickCampaign(c.Param("id"), time.Now())
	if errors.Is(err, dao.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no such campaign")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"campaign_id": c.Param("id"),
		"dispatched":  count,
	})
}

func (s *Server) pauseCampaign(c echo.Context) error {
	ok, err := s.db.SetCampaignStatus(c.Param("id"),
		[]dao.CampaignStatus{dao.CampaignStatusScheduled, dao.CampaignStatusRunning},
		dao.CampaignStatusPaused)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "campaign is not in a pausable state")
	}
	return c.NoContent(http.StatusNoContent)
}

// cancelCampaign stops future claims. Jobs already claimed are allowed to
// finish, the dispatcher just never picks the campaign up again.
func (s *Server) cancelCampaign(c echo.Context) error {
	ok, err := s.db.SetCampaignStatus(c.Param("id"),
		[]dao.CampaignStatus{dao.CampaignStatusDraft, dao.CampaignStatusScheduled, dao.CampaignStatusRunning, dao.CampaignStatusPaused},
		dao.CampaignStatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "campaign is not in a cancellable state")
	}
	return c.NoContent(http.StatusNoContent)
}
