package ledger

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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

	g.POST("/invoices", h.CreateInvoice)
	g.GET("/invoices", h.ListInvoices)
	g.GET("/invoices/:id", h.GetInvoice)
	g.POST("/invoices/:id/lines", h.AddLine)
	g.POST("/invoices/:id/issue", h.IssueInvoice)
	g.POST("/invoices/:id/cancel", h.CancelInvoice)
	g.GET("/invoices/:id/balance", h.GetBalance)

	g.POST("/invoices/:id/payments", h.ApplyPayment)
	g.GET("/invoices/:id/payments", h.ListPayments)

	g.POST("/invoices/:id/credit-notes", h.IssueCreditNote)
	g.GET("/invoices/:id/credit-notes", h.ListCreditNotes)
	g.GET("/credit-notes/:id", h.GetCreditNote)
	g.POST("/credit-notes/:id/adjust", h.AdjustCreditNote)
	g.POST("/credit-notes/:id/refund", h.RefundCreditNote)
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

// invoiceResponse pairs an invoice with its line items.
type invoiceResponse struct {
	*Invoice
	Lines []*LineItem `json:"lines,omitempty"`
}

func (h *Handler) CreateInvoice(c echo.Context) error {
	var req CreateInvoiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inv, err := h.svc.CreateInvoice(c.Request().Context(), req)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, lines, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, invoiceResponse{Invoice: inv, Lines: lines})
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	patientID := uuid.Nil
	if raw := c.QueryParam("patient_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		patientID = pid
	}
	items, total, err := h.svc.ListInvoices(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) AddLine(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req AddLineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	li, err := h.svc.AddLine(c.Request().Context(), id, req)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusCreated, li)
}

func (h *Handler) IssueInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.Issue(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) CancelInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.Cancel(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetBalance(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	bal, err := h.svc.GetBalance(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, bal)
}

// paymentResponse carries the updated invoice and the receipt reference.
type paymentResponse struct {
	Invoice    *Invoice `json:"invoice"`
	ReceiptRef string   `json:"receipt_ref"`
}

func (h *Handler) ApplyPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req PaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inv, receipt, err := h.svc.ApplyPayment(c.Request().Context(), id, req)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusCreated, paymentResponse{Invoice: inv, ReceiptRef: receipt})
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	if items == nil {
		items = []*Payment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) IssueCreditNote(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req CreditNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cn, err := h.svc.IssueCreditNote(c.Request().Context(), id, req)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusCreated, cn)
}

func (h *Handler) ListCreditNotes(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListCreditNotes(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	if items == nil {
		items = []*CreditNote{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetCreditNote(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	cn, err := h.svc.GetCreditNote(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, cn)
}

// adjustResponse carries the terminal credit note and the refreshed invoice.
type adjustResponse struct {
	CreditNote *CreditNote `json:"credit_note"`
	Invoice    *Invoice    `json:"invoice"`
}

func (h *Handler) AdjustCreditNote(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	cn, inv, err := h.svc.AdjustCreditNote(c.Request().Context(), id)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, adjustResponse{CreditNote: cn, Invoice: inv})
}

func (h *Handler) RefundCreditNote(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req RefundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cn, err := h.svc.RefundCreditNote(c.Request().Context(), id, req)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, cn)
}
