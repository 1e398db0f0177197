package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/dispatch"
	"github.com/meetwise/internal/retrieval"
	"github.com/meetwise/internal/tasks"
	"github.com/meetwise/internal/transcript"
)

func (s *Server) getBrief(c echo.Context) error {
	return c.JSON(http.StatusOK, s.session.Brief())
}

func (s *Server) admitSegment(c echo.Context) error {
	var raw transcript.RawSegment
	if err := c.Bind(&raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	outcome, err := s.session.Admit(c.Request().Context(), raw)
	if err != nil {
		return fail(err)
	}
	code := http.StatusOK
	if outcome == transcript.Buffered {
		code = http.StatusAccepted
	}
	return c.JSON(code, map[string]interface{}{"sequenceId": raw.SequenceID, "outcome": outcome})
}

func (s *Server) getTranscript(c echo.Context) error {
	items := s.session.Transcript()
	if v := c.QueryParam("since"); v != "" {
		pos, err := strconv.Atoi(v)
		if err != nil || pos < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative position")
		}
		if pos >= len(items) {
			items = nil
		} else {
			items = items[pos:]
		}
	}
	if items == nil {
		items = []transcript.Item{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items, "next": len(s.session.Transcript())})
}

func (s *Server) listTasks(c echo.Context) error {
	visible := c.QueryParam("all") != "true"
	list, err := s.session.Tasks().List(c.Request().Context(), visible)
	if err != nil {
		return fail(err)
	}
	if list == nil {
		list = []tasks.Task{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) createTask(c echo.Context) error {
	var body tasks.ManualTask
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	t, err := s.session.Tasks().CreateManual(c.Request().Context(), body)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) getTask(c echo.Context) error {
	t, err := s.session.Tasks().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) getTaskEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.session.Tasks().Get(ctx, id); err != nil {
		return fail(err)
	}
	events, err := s.session.Tasks().Events(ctx, id)
	if err != nil {
		return fail(err)
	}
	if events == nil {
		events = []tasks.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

type versioned struct {
	ExpectedVersion *int64 `json:"expectedVersion"`
}

func (v versioned) expected() (int64, error) {
	if v.ExpectedVersion == nil {
		return 0, apperrors.Validationf("expectedVersion is required")
	}
	return *v.ExpectedVersion, nil
}

func (s *Server) moveTask(c echo.Context) error {
	var body struct {
		versioned
		From tasks.Status `json:"from"`
		To   tasks.Status `json:"to"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	expected, err := body.expected()
	if err != nil {
		return fail(err)
	}
	v, err := s.session.Tasks().MoveStatus(c.Request().Context(), c.Param("id"), body.From, body.To, expected)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": c.Param("id"), "status": body.To, "version": v})
}

func (s *Server) moveCard(c echo.Context) error {
	var body struct {
		versioned
		Column string `json:"column"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	expected, err := body.expected()
	if err != nil {
		return fail(err)
	}
	v, err := s.session.Tasks().MoveCard(c.Request().Context(), c.Param("id"), body.Column, expected)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": c.Param("id"), "column": body.Column, "version": v})
}

// approveTask returns 202: the dispatch is queued, not yet confirmed.
func (s *Server) approveTask(c echo.Context) error {
	var body versioned
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	expected, err := body.expected()
	if err != nil {
		return fail(err)
	}
	rec, err := s.session.Tasks().Approve(c.Request().Context(), c.Param("id"), expected)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusAccepted, rec)
}

func (s *Server) rejectTask(c echo.Context) error {
	var body struct {
		versioned
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	expected, err := body.expected()
	if err != nil {
		return fail(err)
	}
	v, err := s.session.Tasks().Reject(c.Request().Context(), c.Param("id"), expected, body.Reason)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": c.Param("id"), "status": tasks.StatusRejected, "version": v})
}

func (s *Server) getDispatch(c echo.Context) error {
	rec, err := s.session.Dispatcher().Get(c.Request().Context(), c.Param("key"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) query(c echo.Context) error {
	var q retrieval.Query
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	res, err := s.session.Query(c.Request().Context(), q)
	if err != nil {
		return fail(err)
	}
	if res.Entries == nil {
		res.Entries = []retrieval.Entry{}
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) uploadDocument(c echo.Context) error {
	var body struct {
		ID          string `json:"id"`
		SourceLabel string `json:"sourceLabel"`
		Content     string `json:"content"`
		Tier        string `json:"priorityTier"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	doc := retrieval.Document{ID: body.ID, SourceLabel: body.SourceLabel, Content: body.Content}
	if body.Tier != "" {
		tier, ok := retrieval.ParseTier(body.Tier)
		if !ok {
			return fail(apperrors.Validationf("unknown priority tier %q", body.Tier))
		}
		doc.Tier = tier
	}
	stored, findings, err := s.session.UploadDocument(c.Request().Context(), doc)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":              stored.ID,
		"sourceLabel":     stored.SourceLabel,
		"priorityTier":    stored.Tier,
		"secretsRedacted": findings,
	})
}

func (s *Server) getAdvisories(c echo.Context) error {
	prompts := s.session.Advisories(c.Request().Context())
	if prompts == nil {
		return c.JSON(http.StatusOK, []struct{}{})
	}
	return c.JSON(http.StatusOK, prompts)
}

func (s *Server) endSession(c echo.Context) error {
	report, err := s.session.Teardown(c.Request().Context())
	if err != nil && !errors.Is(err, dispatch.ErrPendingDispatches) {
		return fail(err)
	}
	return c.JSON(http.StatusOK, report)
}
