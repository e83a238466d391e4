// Package telegram is the chat front end: one wallet per chat, one command
// per purchase.
package telegram

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// API is the subset of *tgbotapi.BotAPI used by the bot.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(chattable tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot long-polls for updates and answers commands.
type Bot struct {
	api         API
	handler     *Handler
	logger      *zap.Logger
	pollTimeout int
	workers     int
}

// NewBot wires a Bot. Updates are handled by at most workers goroutines.
func NewBot(api API, handler *Handler, pollTimeout int, workers int, logger *zap.Logger) (*Bot, error) {
	if api == nil || handler == nil {
		return nil, errors.New("telegram: api and handler are required")
	}
	if pollTimeout <= 0 {
		pollTimeout = 60
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{api: api, handler: handler, logger: logger, pollTimeout: pollTimeout, workers: workers}, nil
}

// Connect authenticates token against the Telegram API.
func Connect(token string, debug bool) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = debug
	return api, nil
}

// Run answers updates until ctx is cancelled and in-flight replies finish.
func (bot *Bot) Run(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = bot.pollTimeout
	updates := bot.api.GetUpdatesChan(updateConfig)
	bot.logger.Info("telegram bot polling", zap.Int("workers", bot.workers))

	var group errgroup.Group
	group.SetLimit(bot.workers)
	defer func() { _ = group.Wait() }()
	for {
		select {
		case <-ctx.Done():
			bot.api.StopReceivingUpdates()
			bot.logger.Info("telegram bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			message := update.Message
			group.Go(func() error {
				bot.reply(ctx, message)
				return nil
			})
		}
	}
}

func (bot *Bot) reply(ctx context.Context, message *tgbotapi.Message) {
	text := bot.handler.Handle(ctx, message)
	if text == "" {
		return
	}
	response := tgbotapi.NewMessage(message.Chat.ID, text)
	response.ReplyToMessageID = message.MessageID
	if _, err := bot.api.Send(response); err != nil {
		bot.logger.Warn("telegram send failed", zap.Int64("chat_id", message.Chat.ID), zap.Error(err))
	}
}
