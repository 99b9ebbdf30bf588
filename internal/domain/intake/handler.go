package intake

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/domain/record"
	"github.com/ehr/intake/internal/domain/session"
)

type Handler struct {
	svc     *Service
	maxRows int
}

func NewHandler(svc *Service, maxRows int) *Handler {
	return &Handler{svc: svc, maxRows: maxRows}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/intake/ingest", h.Ingest)
	g.POST("/intake/candidates", h.IngestCandidates)
	g.GET("/intake/sessions/:token", h.GetSession)
	g.POST("/intake/confirm", h.Confirm)
}

// Ingest handles a multipart CSV upload. The first row is the header.
func (h *Handler) Ingest(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}

	f, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to open uploaded file")
	}
	defer f.Close()

	header, rows, err := readCSV(f, h.maxRows)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	preview, err := h.svc.Ingest(c.Request().Context(), header, rows)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, preview)
}

// IngestCandidates accepts pre-structured records from the interpreter.
func (h *Handler) IngestCandidates(c echo.Context) error {
	var req CandidatesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.RecordCandidates) > h.maxRows {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			fmt.Sprintf("too many candidates: %d exceeds limit of %d", len(req.RecordCandidates), h.maxRows))
	}

	preview, err := h.svc.IngestCandidates(c.Request().Context(), req.RecordCandidates)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, preview)
}

func (h *Handler) GetSession(c echo.Context) error {
	preview, err := h.svc.GetSession(c.Request().Context(), c.Param("token"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, preview)
}

func (h *Handler) Confirm(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.svc.Confirm(c.Request().Context(), req.SessionToken, req.SelectedIndices)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// readCSV reads the header row plus up to maxRows data rows. Rows may have
// fewer fields than the header; missing cells are treated as empty.
func readCSV(r io.Reader, maxRows int) (header []string, rows [][]string, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err = reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("uploaded file is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header row: %v", err)
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row %d: %v", len(rows)+2, err)
		}
		rows = append(rows, row)
		if len(rows) > maxRows {
			return nil, nil, fmt.Errorf("file exceeds limit of %d rows", maxRows)
		}
	}
	return header, rows, nil
}

// mapServiceError translates the error taxonomy onto HTTP statuses.
func mapServiceError(err error) error {
	var formatErr *record.FormatError
	if errors.As(err, &formatErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, formatErr.Error())
	}
	var selErr *SelectionError
	if errors.As(err, &selErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, selErr.Error())
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrExpired):
		return echo.NewHTTPError(http.StatusGone, "session expired")
	case errors.Is(err, session.ErrConfirmInFlight):
		return echo.NewHTTPError(http.StatusConflict, "confirm already in progress for this session")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
