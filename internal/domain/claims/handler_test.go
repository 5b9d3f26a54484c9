package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *testEnv) {
	env := newTestEnv(t)
	return NewHandler(env.svc), echo.New(), env
}

func TestHandler_SubmitClaim(t *testing.T) {
	h, e, env := newTestHandler(t)
	body := `{"invoice_id":"` + env.invoice.ID.String() + `",` +
		`"insurance_provider":"Star Health","policy_number":"POL-88421",` +
		`"claim_amount":"5000","coverage_percentage":"80"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.SubmitClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var claim Claim
	if err := json.Unmarshal(rec.Body.Bytes(), &claim); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if claim.Status != StatusSubmitted {
		t.Errorf("status = %s, want SUBMITTED", claim.Status)
	}
	if !strings.HasPrefix(claim.ClaimNumber, "CLM-") {
		t.Errorf("claim number = %q", claim.ClaimNumber)
	}
}

func TestHandler_SubmitClaim_Overclaim(t *testing.T) {
	h, e, env := newTestHandler(t)
	body := `{"invoice_id":"` + env.invoice.ID.String() + `",` +
		`"insurance_provider":"Star Health","policy_number":"POL-88421",` +
		`"claim_amount":"99999","coverage_percentage":"80"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.SubmitClaim(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_AttachDocument(t *testing.T) {
	h, e, env := newTestHandler(t)
	claim := env.submit(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="discharge.pdf"`)
	hdr.Set("Content-Type", "application/pdf")
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("creating part: %v", err)
	}
	if _, err := part.Write([]byte("%PDF-1.4 discharge summary")); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(claim.ID.String())

	if err := h.AttachDocument(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var doc Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if doc.FileName != "discharge.pdf" || doc.Ref == "" {
		t.Errorf("document = %+v, want stored ref and file name", doc)
	}
}

func TestHandler_ApproveClaim(t *testing.T) {
	h, e, env := newTestHandler(t)
	claim := env.submit(t)
	env.attach(t, claim.ID, "bill.pdf")
	if _, err := env.svc.Transition(context.Background(), claim.ID, TransitionRequest{Action: ActionSubmitToTPA}); err != nil {
		t.Fatalf("SUBMIT_TO_TPA: %v", err)
	}

	body := `{"approved_amount":"4000"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(claim.ID.String())

	if err := h.action(ActionApprove)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var got Claim
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %s, want APPROVED", got.Status)
	}
}

func TestHandler_ApproveClaim_InvalidTransition(t *testing.T) {
	h, e, env := newTestHandler(t)
	claim := env.submit(t)

	body := `{"approved_amount":"4000"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(claim.ID.String())

	err := h.action(ActionApprove)(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_GetResponsibility(t *testing.T) {
	h, e, env := newTestHandler(t)
	claim := env.submit(t)
	env.attach(t, claim.ID, "bill.pdf")
	ctx := context.Background()
	if _, err := env.svc.Transition(ctx, claim.ID, TransitionRequest{Action: ActionSubmitToTPA}); err != nil {
		t.Fatalf("SUBMIT_TO_TPA: %v", err)
	}
	approved := dec("4000")
	if _, err := env.svc.Transition(ctx, claim.ID, TransitionRequest{Action: ActionApprove, ApprovedAmount: &approved}); err != nil {
		t.Fatalf("APPROVE: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(claim.ID.String())

	if err := h.GetResponsibility(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp responsibilityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.PatientResponsibility.Equal(dec("6000")) {
		t.Errorf("patient responsibility = %s, want 6000", resp.PatientResponsibility)
	}
}

func TestHandler_InvalidClaimID(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.GetClaim(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_GetClaim_NotFound(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetClaim(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
