package claims

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/apperr"
	"github.com/carebill/carebill/internal/platform/auth"
	"github.com/carebill/carebill/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))

	g.POST("/claims", h.SubmitClaim)
	g.GET("/claims", h.ListClaims)
	g.GET("/claims/:id", h.GetClaim)
	g.GET("/claims/:id/history", h.GetHistory)
	g.GET("/claims/:id/responsibility", h.GetResponsibility)

	g.POST("/claims/:id/documents", h.AttachDocument)
	g.GET("/claims/:id/documents", h.ListDocuments)

	g.POST("/claims/:id/submit-to-tpa", h.action(ActionSubmitToTPA))
	g.POST("/claims/:id/approve", h.action(ActionApprove))
	g.POST("/claims/:id/reject", h.action(ActionReject))
	g.POST("/claims/:id/request-info", h.action(ActionRequestInfo))

	g.GET("/invoices/:id/claims", h.ListByInvoice)
}

func httpErr(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Actor == nil {
		if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
			req.Actor = &uid
		}
	}
	claim, err := h.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	claim, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	patientID := uuid.Nil
	if raw := c.QueryParam("patient_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		patientID = pid
	}
	items, total, err := h.svc.List(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListByInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListByInvoice(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	events, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, events)
}

// responsibilityResponse reports the out-of-pocket amount on an approved claim.
type responsibilityResponse struct {
	ClaimID               uuid.UUID       `json:"claim_id"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
}

func (h *Handler) GetResponsibility(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	amount, err := h.svc.PatientResponsibility(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, responsibilityResponse{ClaimID: id, PatientResponsibility: amount})
}

func (h *Handler) AttachDocument(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	req := AttachDocumentRequest{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Content:     f,
	}
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		req.UploadedBy = &uid
	}
	doc, err := h.svc.AttachDocument(c.Request().Context(), id, req)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	docs, err := h.svc.Documents(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, docs)
}

// action binds the shared transition body and applies a fixed claim action.
func (h *Handler) action(a Action) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return err
		}
		var req TransitionRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		req.Action = a
		if req.Actor == nil {
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				req.Actor = &uid
			}
		}
		claim, err := h.svc.Transition(c.Request().Context(), id, req)
		if err != nil {
			return httpErr(err)
		}
		return c.JSON(http.StatusOK, claim)
	}
}
