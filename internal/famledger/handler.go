package famledger

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/famwallet/famwallet/internal/idempotency"
	"github.com/famwallet/famwallet/internal/permission"
)

const (
	actorHeader          = "X-Actor-ID"
	idempotencyKeyHeader = "Idempotency-Key"
)

// Handler exposes the ledger service over HTTP. Authentication happens
// upstream; the authenticated caller arrives in the X-Actor-ID header.
type Handler struct {
	service *Service
}

// NewHandler builds the HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func actor(c *fiber.Ctx) (string, error) {
	id := c.Get(actorHeader)
	if id == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "missing "+actorHeader+" header")
	}
	return id, nil
}

func idempotencyKey(c *fiber.Ctx) (string, error) {
	key := c.Get(idempotencyKeyHeader)
	if key == "" {
		return "", fiber.NewError(http.StatusBadRequest, "missing "+idempotencyKeyHeader+" header")
	}
	return key, nil
}

// httpError translates taxonomy kinds into statuses for the external
// adapter contract.
func httpError(err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return err
	}

	status := http.StatusInternalServerError
	switch Kind(err) {
	case KindInsufficientFunds, KindInvalidAmount, KindCeilingExceeded, KindSameAccount:
		status = http.StatusBadRequest
	case KindAccountFrozen, KindAlreadyReviewed, KindRequestExpired, KindQuorumNotMet, KindAccountSuspended:
		status = http.StatusConflict
	case KindNoPermission, KindCannotSpend, KindLimitExceeded, KindAdminRequired:
		status = http.StatusForbidden
	case KindAccountNotFound, KindRequestNotFound:
		status = http.StatusNotFound
	case KindIdempotencyKeyConflict:
		status = http.StatusUnprocessableEntity
	case KindLedgerDivergence:
		status = http.StatusInternalServerError
	case "":
		if errors.Is(err, idempotency.ErrInProgress) {
			status = http.StatusConflict
		}
	}
	return fiber.NewError(status, err.Error())
}

type accountResponse struct {
	ID           string `json:"id"`
	FamilyID     string `json:"family_id"`
	Username     string `json:"username"`
	Name         string `json:"name,omitempty"`
	Balance      int64  `json:"balance"`
	Frozen       bool   `json:"is_frozen"`
	FreezeReason string `json:"freeze_reason,omitempty"`
}

// CreateAccount provisions the family account with its first admin.
func (h *Handler) CreateAccount(c *fiber.Ctx) error {
	actorID, err := actor(c)
	if err != nil {
		return err
	}
	var req struct {
		FamilyID string `json:"family_id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	acc, err := h.service.CreateAccount(c.UserContext(), req.FamilyID, req.Username, req.Name, actorID)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(accountResponse{
		ID: acc.ID, FamilyID: acc.FamilyID, Username: acc.Username, Name: acc.Name,
		Balance: acc.Balance, Frozen: acc.Frozen,
	})
}

// GetAccount returns account state.
func (h *Handler) GetAccount(c *fiber.Ctx) error {
	acc, err := h.service.GetAccount(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(accountResponse{
		ID: acc.ID, FamilyID: acc.FamilyID, Username: acc.Username, Name: acc.Name,
		Balance: acc.Balance, Frozen: acc.Frozen, FreezeReason: acc.FreezeReason,
	})
}

// Transactions lists recent transactions.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	txs, err := h.service.Transactions(c.UserContext(), c.Params("accountId"), c.QueryInt("limit", 100))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{"transactions": txs})
}

// Transfer moves funds between two accounts.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	actorID, err := actor(c)
	if err != nil {
		return err
	}
	key, err := idempotencyKey(c)
	if err != nil {
		return err
	}
	var req struct {
		ToAccountID string `json:"to_account_id"`
		ToUser      string `json:"to_user"`
		Amount      int64  `json:"amount"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.Transfer(c.UserContext(), TransferInput{
		FromAccountID:  c.Params("accountId"),
		ToAccountID:    req.ToAccountID,
		FromUser:       actorID,
		ToUser:         req.ToUser,
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(res)
}

// Topup credits the account.
func (h *Handler) Topup(c *fiber.Ctx) error {
	key, err := idempotencyKey(c)
	if err != nil {
		return err
	}
	var req struct {
		Amount int64  `json:"amount"`
		Source string `json:"source"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	tx, err := h.service.Topup(c.UserContext(), TopupInput{
		AccountID:      c.Params("accountId"),
		Amount:         req.Amount,
		Source:         req.Source,
		IdempotencyKey: key,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(tx)
}

// Freeze blocks debits on the account.
func (h *Handler) Freeze(c *fiber.Ctx) error {
	actorID, err := actor(c)
	if err != nil {
		return err
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	acc, err := h.service.Freeze(c.UserContext(), c.Params("accountId"), actorID, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(accountResponse{ID: acc.ID, Balance: acc.Balance, Frozen: acc.Frozen, FreezeReason: acc.FreezeReason})
}

// Unfreeze lifts a freeze.
func (h *Handler) Unfreeze(c *fiber.Ctx) error {
	actorID, err := actor(c)
	if err != nil {
		return err
	}
	acc, err := h.service.Unfreeze(c.UserContext(), c.Params("accountId"), actorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(accountResponse{ID: acc.ID, Balance: acc.Balance, Frozen: acc.Frozen})
}

// EmergencyUnfreeze lifts a freeze given quorum approvals.
func (h *Handler) EmergencyUnfreeze(c *fiber.Ctx) error {
	var req struct {
		Approvals []string `json:"approvals"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	acc, err := h.service.EmergencyUnfreeze(c.UserContext(), c.Params("accountId"), req.Approvals)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(accountResponse{ID: acc.ID, Balance: acc.Balance, Frozen: acc.Frozen})
}

// UpsertPermission grants or updates a member's spending rules.
func (h *Handler) UpsertPermission(c *fiber.Ctx) error {
	actorID, err := actor(c)
	if err != nil {
		return err
	}
	var req struct {
		Role          string `json:"role"`
		SpendingLimit int64  `json:"spending_limit"`
		CanSpend      bool   `json:"can_spend"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	accountID := c.Params("accountId")
	userID := c.Params("userId")

	var p permission.Permission
	if req.Role != "" {
		p, err = h.service.GrantPermission(c.UserContext(), accountID, userID, req.Role, req.SpendingLimit, req.CanSpend, actorID)
	} else {
		p, err = h.service.UpdatePermission(c.UserContext(), accountID, userID, req.SpendingLimit, req.CanSpend, actorID)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(p)
}

// Permissions lists the account's permission rows.
func (h *Handler) Permissions(c *fiber.Ctx) error {
	perms, err := h.service.Permissions(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{"permissions": perms})
}

// CreateTokenRequest registers a member's spending request.
func (h *Handler) CreateTokenRequest(c *fiber.Ctx) error {
	actorID, err := actor(c)
	if err != nil {
		return err
	}
	key, err := idempotencyKey(c)
	if err != nil {
		return err
	}
	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	tr, err := h.service.CreateTokenRequest(c.UserContext(), RequestInput{
		AccountID:      c.Params("accountId"),
		Requester:      actorID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(tr)
}

// ReviewTokenRequest applies an admin decision to a pending request.
func (h *Handler) ReviewTokenRequest(c *fiber.Ctx) error {
	actorID, err := actor(c)
	if err != nil {
		return err
	}
	key, err := idempotencyKey(c)
	if err != nil {
		return err
	}
	var req struct {
		Decision string `json:"decision"`
		Comments string `json:"comments"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	tr, err := h.service.ReviewTokenRequest(c.UserContext(), ReviewInput{
		RequestID:      c.Params("requestId"),
		Reviewer:       actorID,
		Decision:       req.Decision,
		Comments:       req.Comments,
		IdempotencyKey: key,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(tr)
}

// TokenRequests lists recent requests on the account.
func (h *Handler) TokenRequests(c *fiber.Ctx) error {
	reqs, err := h.service.TokenRequests(c.UserContext(), c.Params("accountId"), c.QueryInt("limit", 100))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{"requests": reqs})
}

// AuditEntries exports the account's audit chain.
func (h *Handler) AuditEntries(c *fiber.Ctx) error {
	entries, err := h.service.AuditEntries(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{"entries": entries})
}

// VerifyAudit recomputes the account's audit chain.
func (h *Handler) VerifyAudit(c *fiber.Ctx) error {
	idx, err := h.service.VerifyAuditIntegrity(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return c.Status(http.StatusConflict).JSON(fiber.Map{"ok": false, "corrupted_at": idx})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// Reconcile checks ledger self-consistency on demand.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	ok, err := h.service.Reconcile(c.UserContext(), c.Params("accountId"))
	if err != nil && !ok {
		return httpError(err)
	}
	return c.JSON(fiber.Map{"ok": ok})
}
