package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/engine"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/merge"
	"github.com/fyrsmithlabs/unifyd/internal/plan"
	"github.com/fyrsmithlabs/unifyd/internal/run"
)

// FragmentInput is one divergent copy in a run submission.
type FragmentInput struct {
	Origin  string `json:"origin"`
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
}

// CreateRunRequest is the body for POST /v1/runs.
type CreateRunRequest struct {
	Mode      string             `json:"mode,omitempty"`
	Actor     string             `json:"actor,omitempty"`
	Policy    string             `json:"policy,omitempty"`
	Weights   map[string]float64 `json:"weights,omitempty"`
	Fragments []FragmentInput    `json:"fragments"`
}

// ResolutionRequest is the body for conflict resolution.
type ResolutionRequest struct {
	CandidateID string `json:"candidate_id"`
	Actor       string `json:"actor,omitempty"`
}

// ApprovalRequest is the body for fix approval. Decision is "approve"
// or "reject".
type ApprovalRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleCreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Fragments) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one fragment is required")
	}
	if req.Policy != "" && !merge.ValidPolicy(merge.Policy(req.Policy)) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown tie-break policy")
	}

	fragments := make([]fragment.Fragment, 0, len(req.Fragments))
	now := time.Now().UTC()
	for i, in := range req.Fragments {
		kind := fragment.Kind(in.Kind)
		if in.Kind == "" {
			kind = fragment.KindForPath(in.Origin)
		}
		// Submission order stands in for ingestion order.
		f, err := fragment.New(in.Origin, in.Content, kind, now.Add(time.Duration(i)*time.Microsecond))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		fragments = append(fragments, f)
	}

	r, err := s.engine.Start(c.Request().Context(), engine.Request{
		Mode:      run.Mode(req.Mode),
		Actor:     req.Actor,
		Policy:    merge.Policy(req.Policy),
		Weights:   req.Weights,
		Fragments: fragments,
	})
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusAccepted, r)
}

func (s *Server) handleListRuns(c echo.Context) error {
	includeArchived := c.QueryParam("archived") == "true"
	return c.JSON(http.StatusOK, s.engine.List(includeArchived))
}

func (s *Server) handleGetRun(c echo.Context) error {
	r, err := s.engine.Get(c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleResolveConflict(c echo.Context) error {
	var req ResolutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.CandidateID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "candidate_id is required")
	}

	r, err := s.engine.ResolveConflict(c.Request().Context(), c.Param("id"), c.Param("conflictID"), req.CandidateID, req.Actor)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleListFixes(c echo.Context) error {
	r, err := s.engine.Get(c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	if c.QueryParam("status") == "queued" {
		return c.JSON(http.StatusOK, r.QueuedFixes())
	}
	return c.JSON(http.StatusOK, r.Fixes)
}

func (s *Server) handleFixApproval(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id, fixID := c.Param("id"), c.Param("fixID")
	var (
		r   *run.Run
		err error
	)
	switch req.Decision {
	case "approve":
		r, err = s.engine.ApproveFix(c.Request().Context(), id, fixID, req.Actor)
	case "reject":
		r, err = s.engine.RejectFix(c.Request().Context(), id, fixID, req.Actor, req.Reason)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be approve or reject")
	}
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleReport(c echo.Context) error {
	format := c.QueryParam("format")
	data, err := s.engine.Report(c.Param("id"), format)
	if err != nil {
		return s.mapError(c, err)
	}

	contentType := "text/markdown; charset=utf-8"
	if format == "json" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(http.StatusOK, contentType, data)
}

func (s *Server) handleCancel(c echo.Context) error {
	if err := s.engine.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleArchive(c echo.Context) error {
	if err := s.engine.Archive(c.Param("id")); err != nil {
		return s.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// mapError converts engine and domain errors to HTTP status codes.
func (s *Server) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, run.ErrNotFound),
		errors.Is(err, run.ErrFixNotFound),
		errors.Is(err, merge.ErrConflictNotFound),
		errors.Is(err, merge.ErrCandidateNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, run.ErrInvalidMode),
		errors.Is(err, engine.ErrNoFragments):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotAwaiting),
		errors.Is(err, engine.ErrNotCancelable),
		errors.Is(err, run.ErrActive),
		errors.Is(err, run.ErrArchived),
		errors.Is(err, run.ErrInvalidState),
		errors.Is(err, merge.ErrAlreadyResolved),
		errors.Is(err, plan.ErrNotQueued),
		errors.Is(err, plan.ErrBlocked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
