package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/purchase"
	"github.com/MarkoPoloResearchLab/vasledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

const testChatID int64 = 4242

type scriptedProvider struct {
	mutex    sync.Mutex
	outcomes []provider.Outcome
	requests []provider.SubmitRequest
	meter    provider.MeterInfo
	meterErr error
}

func (gateway *scriptedProvider) Submit(_ context.Context, request provider.SubmitRequest) provider.Outcome {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.requests = append(gateway.requests, request)
	if len(gateway.outcomes) == 0 {
		return provider.Success("CDH-1")
	}
	outcome := gateway.outcomes[0]
	gateway.outcomes = gateway.outcomes[1:]
	return outcome
}

func (gateway *scriptedProvider) Status(context.Context, string, string) provider.Outcome {
	return provider.Ambiguous("pending")
}

func (gateway *scriptedProvider) VerifyMeter(context.Context, string, string) (provider.MeterInfo, error) {
	return gateway.meter, gateway.meterErr
}

func (gateway *scriptedProvider) submitted() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return len(gateway.requests)
}

func newTestHandler(test *testing.T, allowFund bool) (*Handler, *scriptedProvider) {
	test.Helper()
	db, cleanup, _, err := gormstore.Open(context.Background(), ":memory:")
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	test.Cleanup(func() { _ = cleanup() })
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ledgerService, err := ledger.NewService(store, clock)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	engine, err := pricing.NewEngine(pricing.Markups{
		vas.ServiceAirtime:     5000,
		vas.ServiceData:        5000,
		vas.ServiceCable:       10000,
		vas.ServiceElectricity: 5000,
	})
	if err != nil {
		test.Fatalf("pricing: %v", err)
	}
	gateway := &scriptedProvider{meter: provider.MeterInfo{Valid: true, CustomerName: "ADA OBI"}}
	orchestrator, err := purchase.NewOrchestrator(store, ledgerService, gateway, engine, purchase.WithClock(clock))
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	handler, err := NewHandler(ledgerService, orchestrator, gateway, engine, HandlerConfig{AllowFund: allowFund}, nil)
	if err != nil {
		test.Fatalf("handler: %v", err)
	}
	return handler, gateway
}

func command(messageID int, text string) *tgbotapi.Message {
	commandLength := len(text)
	if space := strings.IndexByte(text, ' '); space >= 0 {
		commandLength = space
	}
	return &tgbotapi.Message{
		MessageID: messageID,
		Chat:      &tgbotapi.Chat{ID: testChatID},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: commandLength}},
	}
}

func mustContain(test *testing.T, reply string, fragments ...string) {
	test.Helper()
	for _, fragment := range fragments {
		if !strings.Contains(reply, fragment) {
			test.Fatalf("reply %q does not contain %q", reply, fragment)
		}
	}
}

func TestFundAndWallet(test *testing.T) {
	handler, _ := newTestHandler(test, true)
	ctx := context.Background()

	mustContain(test, handler.Handle(ctx, command(1, "/wallet")), "Wallet: ₦0")
	mustContain(test, handler.Handle(ctx, command(2, "/fund 1000")), "Wallet funded: ₦1000", "Balance: ₦1000")
	// A redelivered update credits once.
	mustContain(test, handler.Handle(ctx, command(2, "/fund 1000")), "Balance: ₦1000")
	mustContain(test, handler.Handle(ctx, command(3, "/fund 2.5")), "Balance: ₦1002.50")
	mustContain(test, handler.Handle(ctx, command(4, "/fund abc")), "Enter a valid amount.")
	mustContain(test, handler.Handle(ctx, command(5, "/fund")), "Format: /fund <amount>")
}

func TestFundDisabled(test *testing.T) {
	handler, _ := newTestHandler(test, false)
	mustContain(test, handler.Handle(context.Background(), command(1, "/fund 1000")), "Self-funding is disabled")
}

func TestAirtimePurchase(test *testing.T) {
	handler, gateway := newTestHandler(test, true)
	ctx := context.Background()
	handler.Handle(ctx, command(1, "/fund 1000"))

	reply := handler.Handle(ctx, command(2, "/airtime 08031234567 MTN 200"))
	mustContain(test, reply, "Airtime purchased!", "Charged: ₦250", "Ref: CDH-1")
	mustContain(test, handler.Handle(ctx, command(2, "/airtime 08031234567 MTN 200")), "Airtime purchased!")
	if gateway.submitted() != 1 {
		test.Fatalf("redelivered command must replay, got %d submissions", gateway.submitted())
	}
	mustContain(test, handler.Handle(ctx, command(3, "/wallet")), "Wallet: ₦750")
	mustContain(test, handler.Handle(ctx, command(4, "/transactions")), "airtime | ₦250 | succeeded")
}

func TestPurchaseOutcomes(test *testing.T) {
	testCases := []struct {
		name      string
		outcome   provider.Outcome
		text      string
		fragments []string
		wallet    string
	}{
		{
			name:      "data rejected",
			outcome:   provider.Rejected("invalid number"),
			text:      "/data 08031234567 45",
			fragments: []string{"Data purchase failed: invalid number", "not charged"},
			wallet:    "Wallet: ₦1000",
		},
		{
			name:      "electricity pending",
			outcome:   provider.Ambiguous("timeout"),
			text:      "/electric 4501 500 Ikeja Electric (IKEDC)",
			fragments: []string{"pending, we'll confirm shortly", "Held: ₦550"},
			wallet:    "Available: ₦450",
		},
		{
			name:      "cable insufficient funds",
			outcome:   provider.Success("CDH-9"),
			text:      "/cable 7012345678 gotv-max 08031234567",
			fragments: []string{"Insufficient balance. Need ₦1100"},
			wallet:    "Wallet: ₦1000",
		},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			handler, gateway := newTestHandler(test, true)
			ctx := context.Background()
			handler.Handle(ctx, command(1, "/fund 1000"))
			gateway.outcomes = []provider.Outcome{testCase.outcome}
			reply := handler.Handle(ctx, command(2, testCase.text))
			mustContain(test, reply, testCase.fragments...)
			mustContain(test, handler.Handle(ctx, command(3, "/wallet")), testCase.wallet)
		})
	}
}

func TestCablePurchaseWithEnoughFunds(test *testing.T) {
	handler, gateway := newTestHandler(test, true)
	ctx := context.Background()
	handler.Handle(ctx, command(1, "/fund 2000"))
	reply := handler.Handle(ctx, command(2, "/cable 7012345678 gotv-max 08031234567"))
	mustContain(test, reply, "Cable purchased!", "Charged: ₦1100")
	if gateway.requests[0].Payload["cardnumber"] != "7012345678" {
		test.Fatalf("unexpected payload: %v", gateway.requests[0].Payload)
	}
}

func TestCommandValidation(test *testing.T) {
	handler, gateway := newTestHandler(test, true)
	ctx := context.Background()
	testCases := []struct {
		text string
		want string
	}{
		{text: "/airtime 0803 vodafone 100", want: "Unknown network"},
		{text: "/airtime 0803 mtn", want: "Format: /airtime"},
		{text: "/data 0803 16", want: "Plan not found"},
		{text: "/data 0803 x", want: "Plan not found"},
		{text: "/electric 4501 500 Lagos", want: "Unknown disco"},
		{text: "/electric 4501 -5 1", want: "Enter a valid amount."},
		{text: "/verify 4501", want: "Format: /verify"},
		{text: "/airtime 08x3 mtn 100", want: "Invalid request"},
		{text: "/unknown", want: "Unknown command"},
	}
	for _, testCase := range testCases {
		mustContain(test, handler.Handle(ctx, command(10, testCase.text)), testCase.want)
	}
	if gateway.submitted() != 0 {
		test.Fatalf("invalid commands must not reach the provider")
	}
}

func TestCatalogCommands(test *testing.T) {
	handler, _ := newTestHandler(test, true)
	ctx := context.Background()
	mustContain(test, handler.Handle(ctx, command(1, "/plans")), "45 | mtn | 1GB | ₦505")
	mustContain(test, handler.Handle(ctx, command(2, "/providers")), "Mobile: mtn, glo, airtel, 9mobile", "Cable: GOTV, DSTV, STARTIMES", "10. Benin Electric")
	mustContain(test, handler.Handle(ctx, command(3, "/start")), "/electric <meter> <amount> <disco>")
	mustContain(test, handler.Handle(ctx, command(4, "/transactions")), "No transactions yet.")
}

func TestVerifyMeter(test *testing.T) {
	handler, gateway := newTestHandler(test, true)
	ctx := context.Background()
	mustContain(test, handler.Handle(ctx, command(1, "/verify 4501 4")), "Meter verify: ADA OBI (Ikeja Electric (IKEDC))")

	gateway.meter = provider.MeterInfo{Valid: false, Message: "Invalid meter number"}
	mustContain(test, handler.Handle(ctx, command(2, "/verify 4501 4")), "Meter verify: Invalid meter number")

	gateway.meterErr = provider.ErrProviderUnavailable
	mustContain(test, handler.Handle(ctx, command(3, "/verify 4501 4")), "unavailable")
}

func TestNonCommandMessage(test *testing.T) {
	handler, _ := newTestHandler(test, true)
	message := &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: testChatID}, Text: "hello"}
	mustContain(test, handler.Handle(context.Background(), message), "/help")
	if handler.Handle(context.Background(), nil) != "" {
		test.Fatalf("nil message must be ignored")
	}
}

func TestParseNaira(test *testing.T) {
	testCases := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{raw: "200", want: 20000, ok: true},
		{raw: "₦150.5", want: 15050, ok: true},
		{raw: "0.01", want: 1, ok: true},
		{raw: "0", ok: false},
		{raw: "1.234", ok: false},
		{raw: "1.", ok: false},
		{raw: "-3", ok: false},
		{raw: "abc", ok: false},
	}
	for _, testCase := range testCases {
		got, err := parseNaira(testCase.raw)
		if testCase.ok != (err == nil) || (testCase.ok && got != testCase.want) {
			test.Fatalf("parseNaira(%q) = %d, %v", testCase.raw, got, err)
		}
	}
}
