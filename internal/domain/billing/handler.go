package billing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/pkg/pagination"
)

var validate = validator.New()

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/billing")

	read := g.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleBillingSupervisor))
	read.GET("/accounts", h.ListAccounts)
	read.GET("/accounts/:id", h.GetAccount)
	read.GET("/accounts/:id/summary", h.GetAccountSummary)
	read.GET("/accounts/:id/items", h.ListItems)
	read.GET("/accounts/:id/payments", h.ListPayments)
	read.GET("/accounts/:id/claims", h.ListClaims)
	read.GET("/accounts/:id/ledger", h.ListLedger)
	read.GET("/encounters/:encounter_id/account", h.GetAccountByEncounter)
	read.GET("/items/:id", h.GetItem)
	read.GET("/payments/:id", h.GetPayment)
	read.GET("/claims/:id", h.GetClaim)

	write := g.Group("", auth.RequireRole(auth.RoleBilling))
	write.POST("/items", h.AddItem)
	write.POST("/items/:id/cancel", h.CancelItem)
	write.POST("/items/:id/post", h.PostItem)
	write.PATCH("/items/:id/quantity", h.UpdateItemQuantity)
	write.POST("/accounts/:id/discount", h.ProposeDiscount)
	write.POST("/accounts/:id/payments", h.RecordPayment)
	write.POST("/accounts/:id/refunds", h.RecordRefund)
	write.POST("/accounts/:id/claims", h.SubmitClaim)
	write.POST("/accounts/:id/recalculate", h.RecalculateAccount)
	write.POST("/accounts/:id/close", h.CloseAccount)
	write.PATCH("/claims/:id/status", h.UpdateClaimStatus)

	supervise := g.Group("", auth.RequireRole(auth.RoleBillingSupervisor))
	supervise.POST("/accounts/:id/discount/approve", h.ApproveDiscount)
	supervise.POST("/payments/:id/reverse", h.ReversePayment)
}

// -- request bodies --

type itemSourceRequest struct {
	Kind string `json:"kind" validate:"required"`
	ID   string `json:"id" validate:"required,max=128"`
}

type addItemRequest struct {
	EncounterID string             `json:"encounter_id" validate:"required,uuid"`
	PatientID   string             `json:"patient_id" validate:"required,uuid"`
	BranchID    string             `json:"branch_id" validate:"omitempty,uuid"`
	ItemType    string             `json:"item_type" validate:"required"`
	Description string             `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal    `json:"quantity"`
	UnitPrice   decimal.Decimal    `json:"unit_price"`
	Discount    decimal.Decimal    `json:"discount_amount"`
	Source      *itemSourceRequest `json:"source" validate:"omitempty"`
}

type cancelItemRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type quantityRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

type discountRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
	Reason     string          `json:"reason" validate:"required,max=500"`
}

type paymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method" validate:"required,oneof=cash card mobile-money bank"`
	ReferenceNo string          `json:"reference_no" validate:"max=64"`
}

type refundRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method" validate:"required,oneof=cash card mobile-money bank"`
	ReferenceNo string          `json:"reference_no" validate:"max=64"`
	Reason      string          `json:"reason" validate:"required,max=500"`
}

type reverseRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type claimRequest struct {
	InsurerName  string          `json:"insurer_name" validate:"required,max=200"`
	PolicyNumber string          `json:"policy_number" validate:"required,max=64"`
	ClaimAmount  decimal.Decimal `json:"claim_amount"`
}

type claimStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending approved rejected paid"`
}

// -- helpers --

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return echo.NewHTTPError(http.StatusBadRequest, strings.Join(msgs, "; "))
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func actor(c echo.Context) (string, error) {
	uid := auth.UserIDFromContext(c.Request().Context())
	if uid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return uid, nil
}

// toHTTP maps domain errors onto HTTP status codes.
func toHTTP(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

// -- Item handlers --

func (h *Handler) AddItem(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	var req addItemRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	in := NewItem{
		EncounterID: uuid.MustParse(req.EncounterID),
		PatientID:   uuid.MustParse(req.PatientID),
		ItemType:    ItemType(req.ItemType),
		Description: req.Description,
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		Discount:    req.Discount,
	}
	if req.BranchID != "" {
		bid := uuid.MustParse(req.BranchID)
		in.BranchID = &bid
	}
	if req.Source != nil {
		in.Source = &ItemSource{Kind: SourceKind(req.Source.Kind), ID: req.Source.ID}
	}
	item, err := h.svc.AddItem(c.Request().Context(), in, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) GetItem(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	item, err := h.svc.GetItem(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) CancelItem(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req cancelItemRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	item, err := h.svc.CancelItem(c.Request().Context(), id, req.Reason, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) PostItem(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	item, err := h.svc.PostItem(c.Request().Context(), id, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) UpdateItemQuantity(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req quantityRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	item, err := h.svc.UpdateItemQuantity(c.Request().Context(), id, req.Quantity, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, item)
}

// -- Account handlers --

func (h *Handler) ListAccounts(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f AccountFilter
	if st := c.QueryParam("status"); st != "" {
		switch AccountStatus(st) {
		case AccountOpen, AccountPending, AccountClosed, AccountPaid:
			f.Status = AccountStatus(st)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
	}
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	accounts, total, err := h.svc.ListAccounts(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTP(err)
	}
	if accounts == nil {
		accounts = []*Account{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(accounts, total, pg))
}

func (h *Handler) GetAccount(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	acct, err := h.svc.GetAccount(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *Handler) GetAccountByEncounter(c echo.Context) error {
	id, err := pathID(c, "encounter_id")
	if err != nil {
		return err
	}
	acct, err := h.svc.GetAccountByEncounter(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *Handler) GetAccountSummary(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sum, err := h.svc.GetAccountSummary(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) ListItems(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListItems(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	if items == nil {
		items = []*BillItem{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	payments, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	if payments == nil {
		payments = []*Payment{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": payments, "total": len(payments)})
}

func (h *Handler) ListClaims(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	claims, err := h.svc.ListClaims(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	if claims == nil {
		claims = []*InsuranceClaim{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": claims, "total": len(claims)})
}

func (h *Handler) ListLedger(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.ListLedgerEntries(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg))
}

func (h *Handler) ProposeDiscount(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req discountRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	acct, err := h.svc.ProposeDiscount(c.Request().Context(), id, DiscountProposal{
		Amount: req.Amount, Percentage: req.Percentage, Reason: req.Reason,
	}, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *Handler) ApproveDiscount(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	acct, err := h.svc.ApproveDiscount(c.Request().Context(), id, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *Handler) RecalculateAccount(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	acct, err := h.svc.RecalculateAccount(c.Request().Context(), id, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *Handler) CloseAccount(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	acct, err := h.svc.CloseAccount(c.Request().Context(), id, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, acct)
}

// -- Payment handlers --

func (h *Handler) RecordPayment(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.RecordPayment(c.Request().Context(), id, req.Amount, PaymentMethod(req.Method), req.ReferenceNo, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) RecordRefund(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req refundRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.RecordRefund(c.Request().Context(), id, req.Amount, PaymentMethod(req.Method), req.ReferenceNo, req.Reason, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayment(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ReversePayment(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req reverseRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.ReversePayment(c.Request().Context(), id, req.Reason, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

// -- Claim handlers --

func (h *Handler) SubmitClaim(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req claimRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	claim, err := h.svc.SubmitClaim(c.Request().Context(), id, ClaimRequest{
		InsurerName: req.InsurerName, PolicyNumber: req.PolicyNumber, ClaimAmount: req.ClaimAmount,
	}, who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) UpdateClaimStatus(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req claimStatusRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	claim, err := h.svc.UpdateClaimStatus(c.Request().Context(), id, ClaimStatus(req.Status), who)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, claim)
}
