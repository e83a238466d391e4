package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vasledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/purchase"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

const helpText = `Welcome to the VAS wallet bot.
Commands:
/wallet - check balance
/fund <amount> - fund wallet
/plans - list data plans
/providers - list mobile/cable/electric providers
/airtime <phone> <network> <amount>
/data <phone> <bundle_id>
/cable <iuc> <plan_id> <phone>
/verify <meter> <disco>
/electric <meter> <amount> <disco>
/transactions - last 10 purchases`

// Wallet is the ledger API used by the bot.
type Wallet interface {
	Credit(ctx context.Context, accountID ledger.AccountID, amount ledger.AmountCents, reference string) error
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error)
}

// Purchases is the orchestrator API used by the bot.
type Purchases interface {
	Execute(ctx context.Context, input purchase.ExecuteInput) (purchase.Request, error)
	ListByAccount(ctx context.Context, accountID ledger.AccountID, limit int) ([]purchase.Request, error)
}

// MeterVerifier checks electricity meters.
type MeterVerifier interface {
	VerifyMeter(ctx context.Context, meter string, disco string) (provider.MeterInfo, error)
}

// Quoter prices a base amount for display.
type Quoter interface {
	Quote(serviceType vas.ServiceType, baseAmount int64) (int64, error)
}

// HandlerConfig tunes command handling.
type HandlerConfig struct {
	AllowFund    bool
	HistoryLimit int
}

// Handler turns chat commands into wallet and purchase calls. Each chat
// owns one wallet and the message id is the purchase nonce, so a
// redelivered update replays instead of buying twice.
type Handler struct {
	wallet    Wallet
	purchases Purchases
	meters    MeterVerifier
	quoter    Quoter
	config    HandlerConfig
	logger    *zap.Logger
}

// NewHandler wires a Handler.
func NewHandler(wallet Wallet, purchases Purchases, meters MeterVerifier, quoter Quoter, cfg HandlerConfig, logger *zap.Logger) (*Handler, error) {
	if wallet == nil || purchases == nil || meters == nil || quoter == nil {
		return nil, errors.New("telegram: wallet, purchases, meters and quoter are required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		wallet:    wallet,
		purchases: purchases,
		meters:    meters,
		quoter:    quoter,
		config:    cfg,
		logger:    logger,
	}, nil
}

// AccountID maps a chat onto its wallet.
func AccountID(chatID int64) (ledger.AccountID, error) {
	return ledger.NewAccountID("tg-" + strconv.FormatInt(chatID, 10))
}

// Handle returns the reply text for msg.
func (handler *Handler) Handle(ctx context.Context, msg *tgbotapi.Message) string {
	if msg == nil || msg.Chat == nil {
		return ""
	}
	if !msg.IsCommand() {
		return "Use /help to see the available commands."
	}
	accountID, err := AccountID(msg.Chat.ID)
	if err != nil {
		return "Unable to identify your wallet."
	}
	args := strings.Fields(msg.CommandArguments())
	nonce := strconv.Itoa(msg.MessageID)

	switch msg.Command() {
	case "start", "help":
		return helpText
	case "wallet":
		return handler.handleWallet(ctx, accountID)
	case "fund":
		return handler.handleFund(ctx, accountID, args, nonce)
	case "plans":
		return handler.handlePlans()
	case "providers":
		return handler.handleProviders()
	case "airtime":
		return handler.handleAirtime(ctx, accountID, args, nonce)
	case "data":
		return handler.handleData(ctx, accountID, args, nonce)
	case "cable":
		return handler.handleCable(ctx, accountID, args, nonce)
	case "verify":
		return handler.handleVerify(ctx, args)
	case "electric":
		return handler.handleElectric(ctx, accountID, args, nonce)
	case "transactions":
		return handler.handleTransactions(ctx, accountID)
	}
	return "Unknown command. Use /help."
}

func (handler *Handler) handleWallet(ctx context.Context, accountID ledger.AccountID) string {
	balance, err := handler.wallet.Balance(ctx, accountID)
	if err != nil {
		handler.logger.Error("wallet fetch failed", zap.String("account_id", accountID.String()), zap.Error(err))
		return "Wallet is unavailable, try again later."
	}
	text := "Wallet: " + formatNaira(int64(balance.TotalCents))
	if balance.HeldCents > 0 {
		text += fmt.Sprintf("\nPending: %s\nAvailable: %s", formatNaira(int64(balance.HeldCents)), formatNaira(int64(balance.SpendableCents)))
	}
	return text
}

func (handler *Handler) handleFund(ctx context.Context, accountID ledger.AccountID, args []string, nonce string) string {
	if !handler.config.AllowFund {
		return "Self-funding is disabled. Contact support to top up."
	}
	if len(args) != 1 {
		return "Format: /fund <amount>"
	}
	amount, err := parseNaira(args[0])
	if err != nil {
		return "Enter a valid amount."
	}
	if err := handler.wallet.Credit(ctx, accountID, ledger.AmountCents(amount), "telegram:"+nonce); err != nil {
		handler.logger.Error("fund failed", zap.String("account_id", accountID.String()), zap.Error(err))
		return "Funding failed: " + err.Error()
	}
	balance, err := handler.wallet.Balance(ctx, accountID)
	if err != nil {
		return "Wallet funded: " + formatNaira(amount)
	}
	return fmt.Sprintf("Wallet funded: %s\nBalance: %s", formatNaira(amount), formatNaira(int64(balance.TotalCents)))
}

func (handler *Handler) handlePlans() string {
	lines := []string{"Data Plans:"}
	for _, plan := range catalog.DataPlans() {
		price, err := handler.quoter.Quote(vas.ServiceData, plan.PriceCents)
		if err != nil {
			price = plan.PriceCents
		}
		lines = append(lines, fmt.Sprintf("%d | %s | %s | %s", plan.ID, plan.Network, plan.Size, formatNaira(price)))
	}
	return strings.Join(lines, "\n")
}

func (handler *Handler) handleProviders() string {
	networks := make([]string, 0, len(vas.Networks()))
	for _, network := range vas.Networks() {
		networks = append(networks, network.String())
	}
	cables := make([]string, 0, 3)
	for _, cableProvider := range catalog.CableProviders() {
		cables = append(cables, cableProvider.Name)
	}
	discos := make([]string, 0, 10)
	for _, disco := range catalog.Discos() {
		discos = append(discos, fmt.Sprintf("%d. %s", disco.ID, disco.Name))
	}
	return fmt.Sprintf("Mobile: %s\nCable: %s\nElectric:\n%s",
		strings.Join(networks, ", "), strings.Join(cables, ", "), strings.Join(discos, "\n"))
}

func (handler *Handler) handleAirtime(ctx context.Context, accountID ledger.AccountID, args []string, nonce string) string {
	if len(args) != 3 {
		return "Format: /airtime <phone> <network> <amount>"
	}
	network, err := vas.ParseNetwork(args[1])
	if err != nil {
		return "Unknown network. Use one of mtn, glo, airtel, 9mobile."
	}
	amount, err := parseNaira(args[2])
	if err != nil {
		return "Enter a valid amount."
	}
	return handler.buy(ctx, accountID, vas.AirtimeTarget{Phone: args[0], Network: network}, amount, nonce)
}

func (handler *Handler) handleData(ctx context.Context, accountID ledger.AccountID, args []string, nonce string) string {
	if len(args) != 2 {
		return "Format: /data <phone> <bundle_id>"
	}
	bundleID, err := strconv.Atoi(args[1])
	if err != nil {
		return "Plan not found. Use /plans."
	}
	return handler.buy(ctx, accountID, vas.DataTarget{Phone: args[0], BundleID: bundleID}, 0, nonce)
}

func (handler *Handler) handleCable(ctx context.Context, accountID ledger.AccountID, args []string, nonce string) string {
	if len(args) != 3 {
		return "Format: /cable <iuc> <plan_id> <phone>"
	}
	return handler.buy(ctx, accountID, vas.CableTarget{SmartCard: args[0], PlanID: args[1], Phone: args[2]}, 0, nonce)
}

func (handler *Handler) handleVerify(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "Format: /verify <meter> <disco>"
	}
	disco, err := catalog.FindDisco(strings.Join(args[1:], " "))
	if err != nil {
		return "Unknown disco. Use /providers."
	}
	info, err := handler.meters.VerifyMeter(ctx, args[0], strconv.Itoa(disco.ID))
	if err != nil {
		handler.logger.Warn("meter verification failed", zap.Error(err))
		return "Meter verification is unavailable, try again later."
	}
	if !info.Valid {
		return "Meter verify: " + info.Message
	}
	if info.CustomerName != "" {
		return fmt.Sprintf("Meter verify: %s (%s)", info.CustomerName, disco.Name)
	}
	return "Meter verify: " + info.Message
}

func (handler *Handler) handleElectric(ctx context.Context, accountID ledger.AccountID, args []string, nonce string) string {
	if len(args) < 3 {
		return "Format: /electric <meter> <amount> <disco>"
	}
	amount, err := parseNaira(args[1])
	if err != nil {
		return "Enter a valid amount."
	}
	target := vas.ElectricityTarget{Meter: args[0], Disco: strings.Join(args[2:], " ")}
	return handler.buy(ctx, accountID, target, amount, nonce)
}

func (handler *Handler) handleTransactions(ctx context.Context, accountID ledger.AccountID) string {
	requests, err := handler.purchases.ListByAccount(ctx, accountID, handler.config.HistoryLimit)
	if err != nil {
		handler.logger.Error("transactions fetch failed", zap.String("account_id", accountID.String()), zap.Error(err))
		return "Transactions are unavailable, try again later."
	}
	if len(requests) == 0 {
		return "No transactions yet."
	}
	lines := []string{"Last transactions:"}
	for _, request := range requests {
		lines = append(lines, fmt.Sprintf("#%s | %s | %s | %s",
			shortID(request.ID), request.ServiceType, formatNaira(request.QuotedPrice), strings.ToLower(request.State.String())))
	}
	return strings.Join(lines, "\n")
}

func (handler *Handler) buy(ctx context.Context, accountID ledger.AccountID, target vas.Target, amount int64, nonce string) string {
	resolved, baseAmount, err := catalog.Resolve(target, amount)
	switch {
	case errors.Is(err, catalog.ErrUnknownEntry):
		if _, isData := target.(vas.DataTarget); isData {
			return "Plan not found. Use /plans."
		}
		return "Unknown disco. Use /providers."
	case err != nil:
		return "Invalid request: " + err.Error()
	}
	result, err := handler.purchases.Execute(ctx, purchase.ExecuteInput{
		AccountID:  accountID,
		Target:     resolved,
		BaseAmount: baseAmount,
		Nonce:      nonce,
	})
	if err != nil && result.ID == "" {
		return renderError(err)
	}
	if err == nil {
		err = result.Err()
	}
	if errors.Is(err, purchase.ErrDuplicateInFlight) {
		return "This purchase is already in progress."
	}
	if errors.Is(err, purchase.ErrPurchaseFailed) {
		handler.logger.Error("purchase failed", zap.String("purchase_id", result.ID), zap.Error(err))
	}
	return render(result)
}

func render(request purchase.Request) string {
	service := request.ServiceType.String()
	if service != "" {
		service = strings.ToUpper(service[:1]) + service[1:]
	}
	switch request.State {
	case purchase.StateSucceeded:
		text := fmt.Sprintf("%s purchased!\nCharged: %s", service, formatNaira(request.QuotedPrice))
		if request.ProviderRef != "" {
			text += "\nRef: " + request.ProviderRef
		}
		return text
	case purchase.StatePendingReconcile, purchase.StateSubmitted:
		return fmt.Sprintf("%s purchase is pending, we'll confirm shortly.\nHeld: %s", service, formatNaira(request.QuotedPrice))
	case purchase.StateFailed:
		switch request.FailureCode {
		case purchase.FailureInsufficientFunds:
			return "Insufficient balance. Need " + formatNaira(request.QuotedPrice)
		case purchase.FailureProviderRejected:
			return fmt.Sprintf("%s purchase failed: %s\nYour wallet was not charged.", service, request.FailureReason)
		case purchase.FailureAccountFrozen:
			return "Your wallet is frozen. Contact support."
		}
		return fmt.Sprintf("%s purchase failed. Your wallet was not charged.", service)
	}
	return fmt.Sprintf("%s purchase is in progress.", service)
}

func renderError(err error) string {
	switch {
	case errors.Is(err, vas.ErrInvalidTarget), errors.Is(err, purchase.ErrInvalidRequest):
		return "Invalid request: " + err.Error()
	case errors.Is(err, ledger.ErrAccountFrozen):
		return "Your wallet is frozen. Contact support."
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, pricing.ErrInvalidAmount):
		return "Enter a valid amount."
	}
	return "Purchase failed, try again later."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// parseNaira converts a user supplied naira amount with at most two
// decimals into kobo.
func parseNaira(raw string) (int64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "₦")
	whole, fraction, hasFraction := strings.Cut(trimmed, ".")
	naira, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || naira < 0 {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	var kobo int64
	if hasFraction {
		if len(fraction) == 0 || len(fraction) > 2 {
			return 0, fmt.Errorf("invalid amount %q", raw)
		}
		if len(fraction) == 1 {
			fraction += "0"
		}
		kobo, err = strconv.ParseInt(fraction, 10, 64)
		if err != nil || kobo < 0 {
			return 0, fmt.Errorf("invalid amount %q", raw)
		}
	}
	if naira > (1<<62)/100 {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	total := naira*100 + kobo
	if total <= 0 {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	return total, nil
}

func formatNaira(kobo int64) string {
	if kobo%100 == 0 {
		return fmt.Sprintf("₦%d", kobo/100)
	}
	return fmt.Sprintf("₦%d.%02d", kobo/100, kobo%100)
}
