package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/famwallet/famwallet/internal/audit"
	"github.com/famwallet/famwallet/internal/config"
	"github.com/famwallet/famwallet/internal/famledger"
	"github.com/famwallet/famwallet/internal/idempotency"
	"github.com/famwallet/famwallet/internal/ledger"
	"github.com/famwallet/famwallet/internal/middleware"
	"github.com/famwallet/famwallet/internal/notification"
	"github.com/famwallet/famwallet/internal/permission"
	"github.com/famwallet/famwallet/internal/tokenrequest"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Wiring exposes the composed components main needs for background workers.
type Wiring struct {
	Service  *famledger.Service
	Workflow *tokenrequest.Workflow
}

// Setup configures middlewares and all application routes, and returns the
// wiring so main can start the background workers against it.
func Setup(app *fiber.App, d Deps) (Wiring, error) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.AccessLog(d.Logger))

	RegisterHealthRoutes(app, d)

	var store ledger.Store
	var auditRepo audit.Repository
	var permRepo permission.Repository
	var requestRepo tokenrequest.Repository
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
		auditRepo = audit.NewPostgresRepository(d.DB)
		permRepo = permission.NewPostgresRepository(d.DB)
		requestRepo = tokenrequest.NewPostgresRepository(d.DB)
	} else {
		store = ledger.NewInMemory()
		auditRepo = audit.NewMemoryRepository()
		permRepo = permission.NewMemoryRepository()
		requestRepo = tokenrequest.NewMemoryRepository()
	}

	var idem idempotency.Index
	var notifier notification.Notifier
	if d.Cache != nil {
		idem = idempotency.NewRedisIndex(d.Cache, d.Cfg.IdempotencyTTL)
		notifier = notification.NewRedisNotifier(d.Cache, d.Logger)
	} else {
		idem = idempotency.NewMemoryIndex()
		notifier = notification.NewLoggerNotifier(d.Logger)
	}

	auditLog := audit.NewLog(auditRepo)
	perms := permission.NewRegistry(permRepo, auditLog)

	trusted := make(map[string]bool, len(d.Cfg.TrustedRequesters))
	for _, id := range d.Cfg.TrustedRequesters {
		trusted[id] = true
	}
	workflow := tokenrequest.NewWorkflow(requestRepo, store, perms, auditLog, notifier, tokenrequest.Policy{
		RequestTTL:           d.Cfg.RequestTTL,
		RequestCeiling:       d.Cfg.RequestCeiling,
		AutoApproveThreshold: d.Cfg.AutoApproveThreshold,
		TrustedRequesters:    trusted,
		DailyAutoApproveCap:  d.Cfg.DailyAutoApproveCap,
	}, d.Logger)

	service := famledger.NewService(store, perms, idem, auditLog, workflow, notifier, d.Cfg.UnfreezeQuorum, d.Logger)
	handler := famledger.NewHandler(service)

	api := app.Group("/api/v1")

	accounts := api.Group("/accounts")
	accounts.Post("/", handler.CreateAccount)
	accounts.Get("/:accountId", handler.GetAccount)
	accounts.Get("/:accountId/transactions", handler.Transactions)
	accounts.Post("/:accountId/transfer", handler.Transfer)
	accounts.Post("/:accountId/topup", handler.Topup)
	accounts.Post("/:accountId/freeze", handler.Freeze)
	accounts.Post("/:accountId/unfreeze", handler.Unfreeze)
	accounts.Post("/:accountId/emergency-unfreeze", handler.EmergencyUnfreeze)
	accounts.Get("/:accountId/permissions", handler.Permissions)
	accounts.Put("/:accountId/permissions/:userId", handler.UpsertPermission)
	accounts.Post("/:accountId/requests", handler.CreateTokenRequest)
	accounts.Get("/:accountId/requests", handler.TokenRequests)
	accounts.Get("/:accountId/audit", handler.AuditEntries)
	accounts.Get("/:accountId/audit/verify", handler.VerifyAudit)
	accounts.Post("/:accountId/reconcile", handler.Reconcile)

	api.Post("/requests/:requestId/review", handler.ReviewTokenRequest)

	return Wiring{Service: service, Workflow: workflow}, nil
}
