// Package telegram implements the one concrete chat Adapter consumed
// by internal/orchestrator: a Telegram bot that turns long-poll
// updates into orchestrator.Incoming messages and relays replies back
// through the Bot API. Grounded line-for-line on the teacher's
// internal/channels/telegram.go polling loop, stall detection, and
// reconnect backoff, adapted from that repo's ChatTaskRouter+event-bus
// routing onto the single-call orchestrator.HandleMessage pipeline.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/streetsdigital/lugh/internal/orchestrator"
)

// stallTimeout mirrors the teacher's 2.5x-long-poll-timeout stall
// detector: tgbotapi's GetUpdatesChan blocks rather than closing its
// channel on a dead connection, so an idle channel is the only signal
// available that the long poll died.
const stallTimeout = 150 * time.Second

// Adapter implements orchestrator.Adapter and orchestrator.FileSender
// for Telegram.
type Adapter struct {
	token        string
	allowedIDs   map[int64]struct{}
	assistant    string
	orchestrator *orchestrator.Orchestrator
	log          *slog.Logger
	bot          *tgbotapi.BotAPI
}

// New builds a Telegram Adapter. allowedIDs, when non-empty, restricts
// both messages and must be explicitly configured — an empty list
// means every user is allowed, matching the teacher's access-control
// default. assistantKind selects which backend session kind new
// conversations are tagged with (e.g. "claude").
func New(token string, allowedIDs []int64, orch *orchestrator.Orchestrator, assistantKind string, log *slog.Logger) *Adapter {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if assistantKind == "" {
		assistantKind = "claude"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		token:        token,
		allowedIDs:   allowed,
		assistant:    assistantKind,
		orchestrator: orch,
		log:          log,
	}
}

func (a *Adapter) PlatformType() string { return "telegram" }

func (a *Adapter) StreamingMode() orchestrator.StreamingMode { return orchestrator.StreamingLive }

func (a *Adapter) SendMessage(ctx context.Context, conversationID string, text string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", conversationID, err)
	}
	_, err = a.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (a *Adapter) SendFile(ctx context.Context, conversationID, path, caption string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", conversationID, err)
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	_, err = a.bot.Send(doc)
	return err
}

// Start connects to the Bot API and runs the long-poll loop until ctx
// is cancelled, reconnecting with exponential backoff on disconnect
// (teacher's internal/channels/telegram.go Start/pollUpdates).
func (a *Adapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return fmt.Errorf("telegram: init failed: %w", err)
	}
	a.bot = bot
	a.log.Info("telegram bot started", "user", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := a.bot.GetUpdatesChan(u)

		pollErr := a.pollUpdates(ctx, updates)
		a.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		a.log.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *Adapter) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram: update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				a.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("telegram: no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if len(a.allowedIDs) > 0 {
		if _, ok := a.allowedIDs[msg.From.ID]; !ok {
			a.log.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
			return
		}
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	a.orchestrator.HandleMessage(ctx, a, orchestrator.Incoming{
		PlatformType:   a.PlatformType(),
		PlatformConvID: chatID,
		AssistantKind:  a.assistant,
		Text:           text,
	})
}
