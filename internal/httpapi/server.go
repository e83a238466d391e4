// Package httpapi serves the wallet and purchase API over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vasledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/vasledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/purchase"
	"github.com/MarkoPoloResearchLab/vasledger/internal/reconcile"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

const (
	idempotencyHeader   = "Idempotency-Key"
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// Wallet is the ledger API exposed over HTTP.
type Wallet interface {
	Credit(ctx context.Context, accountID ledger.AccountID, amount ledger.AmountCents, reference string) error
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error)
	ListEntries(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Entry, error)
}

// Purchases is the orchestrator API exposed over HTTP.
type Purchases interface {
	Execute(ctx context.Context, input purchase.ExecuteInput) (purchase.Request, error)
	Get(ctx context.Context, id string) (purchase.Request, error)
	History(ctx context.Context, id string) ([]purchase.Transition, error)
	ListByAccount(ctx context.Context, accountID ledger.AccountID, limit int) ([]purchase.Request, error)
	Resolve(ctx context.Context, id string, outcome provider.Outcome) (purchase.Request, error)
}

// Reconciler runs an on-demand sweep.
type Reconciler interface {
	Sweep(ctx context.Context) (reconcile.Report, error)
}

// MeterVerifier checks an electricity meter with the provider.
type MeterVerifier interface {
	VerifyMeter(ctx context.Context, meter string, disco string) (provider.MeterInfo, error)
}

// Dependencies wires the handlers. Reconciler, Meters, Metrics and
// MetricsHandler are optional.
type Dependencies struct {
	Wallet         Wallet
	Purchases      Purchases
	Reconciler     Reconciler
	Meters         MeterVerifier
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// Config holds router settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	HistoryLimit   int
}

// Run serves router on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg Config, router http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Wallet == nil || deps.Purchases == nil {
		return nil, errors.New("httpapi: wallet and purchases are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	handler := &httpHandler{
		logger:       deps.Logger,
		wallet:       deps.Wallet,
		purchases:    deps.Purchases,
		reconciler:   deps.Reconciler,
		meters:       deps.Meters,
		historyLimit: cfg.HistoryLimit,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := router.Group("/api")
	api.GET("/catalog", handler.handleCatalog)
	api.GET("/accounts/:account/wallet", handler.handleWallet)
	api.POST("/accounts/:account/credits", handler.handleCredit)
	api.POST("/accounts/:account/purchases", handler.handlePurchase)
	api.GET("/accounts/:account/purchases", handler.handleListPurchases)
	api.GET("/purchases/:id", handler.handleGetPurchase)
	api.POST("/purchases/:id/resolve", handler.handleResolve)
	api.POST("/electricity/verify", handler.handleVerifyMeter)
	api.POST("/reconcile", handler.handleReconcile)

	return router, nil
}

type httpHandler struct {
	logger       *zap.Logger
	wallet       Wallet
	purchases    Purchases
	reconciler   Reconciler
	meters       MeterVerifier
	historyLimit int
}

func (handler *httpHandler) handleCatalog(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, newCatalogResponse())
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	accountID, ok := accountParam(ctx)
	if !ok {
		return
	}
	handler.respondWithWallet(ctx, http.StatusOK, accountID)
}

func (handler *httpHandler) handleCredit(ctx *gin.Context) {
	accountID, ok := accountParam(ctx)
	if !ok {
		return
	}
	var request creditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reference := strings.TrimSpace(request.Reference)
	if reference == "" {
		reference = strings.TrimSpace(ctx.GetHeader(idempotencyHeader))
	}
	if request.AmountCents <= 0 || reference == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credit", "positive amount_cents and a reference are required"))
		return
	}
	if err := handler.wallet.Credit(ctx.Request.Context(), accountID, ledger.AmountCents(request.AmountCents), reference); err != nil {
		handler.respondError(ctx, "credit failed", err)
		return
	}
	handler.respondWithWallet(ctx, http.StatusOK, accountID)
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	accountID, ok := accountParam(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	input, err := request.executeInput(accountID, ctx.GetHeader(idempotencyHeader))
	if err != nil {
		handler.respondError(ctx, "purchase rejected", err)
		return
	}
	result, err := handler.purchases.Execute(ctx.Request.Context(), input)
	if err != nil && result.ID == "" {
		handler.respondError(ctx, "purchase failed", err)
		return
	}
	if err == nil {
		err = result.Err()
	}
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("purchase failed", zap.String("purchase_id", result.ID), zap.Error(err))
	}
	ctx.JSON(status, gin.H{
		"status":   code,
		"message":  describe(result),
		"purchase": newPurchasePayload(result),
	})
}

func (handler *httpHandler) handleListPurchases(ctx *gin.Context) {
	accountID, ok := accountParam(ctx)
	if !ok {
		return
	}
	limit := handler.historyLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit)))
			return
		}
		limit = parsed
	}
	requests, err := handler.purchases.ListByAccount(ctx.Request.Context(), accountID, limit)
	if err != nil {
		handler.respondError(ctx, "list purchases failed", err)
		return
	}
	payloads := make([]purchasePayload, 0, len(requests))
	for _, request := range requests {
		payloads = append(payloads, newPurchasePayload(request))
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": payloads})
}

func (handler *httpHandler) handleGetPurchase(ctx *gin.Context) {
	id := ctx.Param("id")
	request, err := handler.purchases.Get(ctx.Request.Context(), id)
	if err != nil {
		handler.respondError(ctx, "get purchase failed", err)
		return
	}
	history, err := handler.purchases.History(ctx.Request.Context(), id)
	if err != nil {
		handler.respondError(ctx, "purchase history failed", err)
		return
	}
	transitions := make([]transitionPayload, 0, len(history))
	for _, transition := range history {
		transitions = append(transitions, newTransitionPayload(transition))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"message":     describe(request),
		"purchase":    newPurchasePayload(request),
		"transitions": transitions,
	})
}

func (handler *httpHandler) handleResolve(ctx *gin.Context) {
	var request resolveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	outcome, err := request.outcome()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_outcome", err.Error()))
		return
	}
	resolved, err := handler.purchases.Resolve(ctx.Request.Context(), ctx.Param("id"), outcome)
	if err != nil && !errors.Is(err, purchase.ErrReconciliationExhausted) {
		handler.respondError(ctx, "resolve failed", err)
		return
	}
	handler.logger.Info("purchase resolved manually",
		zap.String("purchase_id", resolved.ID),
		zap.String("state", resolved.State.String()),
	)
	ctx.JSON(http.StatusOK, gin.H{
		"message":  describe(resolved),
		"purchase": newPurchasePayload(resolved),
	})
}

func (handler *httpHandler) handleVerifyMeter(ctx *gin.Context) {
	if handler.meters == nil {
		ctx.JSON(http.StatusNotImplemented, errorResponse("unavailable", "meter verification is not configured"))
		return
	}
	var request verifyMeterRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Meter) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "meter and disco are required"))
		return
	}
	disco, err := catalog.FindDisco(request.Disco)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_disco", err.Error()))
		return
	}
	info, err := handler.meters.VerifyMeter(ctx.Request.Context(), strings.TrimSpace(request.Meter), strconv.Itoa(disco.ID))
	if err != nil {
		handler.logger.Warn("meter verification failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_unavailable", "meter verification is unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"valid":         info.Valid,
		"customer_name": info.CustomerName,
		"message":       info.Message,
		"disco":         disco.Name,
	})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	if handler.reconciler == nil {
		ctx.JSON(http.StatusNotImplemented, errorResponse("unavailable", "reconciliation is not configured"))
		return
	}
	report, err := handler.reconciler.Sweep(ctx.Request.Context())
	response := gin.H{"report": newReportPayload(report)}
	if err != nil {
		handler.logger.Warn("reconciliation sweep had failures", zap.Error(err))
		response["error"] = err.Error()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, status int, accountID ledger.AccountID) {
	balance, err := handler.wallet.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, "wallet fetch failed", err)
		return
	}
	entries, err := handler.wallet.ListEntries(ctx.Request.Context(), accountID, handler.historyLimit)
	if err != nil {
		handler.respondError(ctx, "wallet fetch failed", err)
		return
	}
	ctx.JSON(status, gin.H{"wallet": newWalletResponse(accountID, balance, entries)})
}

func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(status, errorResponse(code, message))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func accountParam(ctx *gin.Context) (ledger.AccountID, bool) {
	accountID, err := ledger.NewAccountID(ctx.Param("account"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", err.Error()))
		return ledger.AccountID{}, false
	}
	return accountID, true
}

// classify maps a domain error onto an HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, "succeeded"
	case errors.Is(err, purchase.ErrProviderAmbiguous):
		return http.StatusAccepted, "pending"
	case errors.Is(err, purchase.ErrProviderRejected):
		return http.StatusUnprocessableEntity, "provider_rejected"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, purchase.ErrPurchaseFailed):
		return http.StatusUnprocessableEntity, "purchase_failed"
	case errors.Is(err, ledger.ErrAccountFrozen):
		return http.StatusLocked, "account_frozen"
	case errors.Is(err, purchase.ErrDuplicateInFlight):
		return http.StatusConflict, "duplicate_in_flight"
	case errors.Is(err, purchase.ErrStaleState):
		return http.StatusConflict, "stale_state"
	case errors.Is(err, purchase.ErrUnknownPurchase):
		return http.StatusNotFound, "unknown_purchase"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "cancelled"
	case errors.Is(err, purchase.ErrInvalidRequest),
		errors.Is(err, vas.ErrInvalidTarget),
		errors.Is(err, vas.ErrInvalidServiceType),
		errors.Is(err, pricing.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidIdempotencyKey),
		errors.Is(err, catalog.ErrUnknownEntry):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
