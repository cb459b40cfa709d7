package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-tman/internal/bus"
	"github.com/basket/go-tman/internal/tman"
)

// StatsSource is the part of the task manager the /stats command reads.
type StatsSource interface {
	Snapshot() []tman.TaskStats
	CurrentTick() uint64
}

// botAPI is the subset of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramConfig configures a TelegramChannel.
type TelegramConfig struct {
	Token      string
	AllowedIDs []int64
	// AlertInterval is the minimum time between two alerts for one task.
	// Misses in between are counted and reported with the next alert.
	AlertInterval time.Duration
	Source        StatsSource
	Bus           *bus.Bus
	Logger        *slog.Logger
}

// TelegramChannel forwards deadline misses and overruns to every allowed
// chat and answers /stats and /tick from allowed users.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	interval   time.Duration
	source     StatsSource
	eventBus   *bus.Bus
	logger     *slog.Logger

	dial func(token string) (botAPI, error)
	now  func() time.Time
	bot  botAPI

	alertMu    sync.Mutex
	lastAlert  map[string]time.Time
	suppressed map[string]int
}

// NewTelegramChannel creates a new Telegram channel. Nothing is contacted
// until Start.
func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      cfg.Token,
		allowedIDs: allowed,
		interval:   cfg.AlertInterval,
		source:     cfg.Source,
		eventBus:   cfg.Bus,
		logger:     logger,
		dial:       dialTelegram,
		now:        time.Now,
		lastAlert:  make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

func dialTelegram(token string) (botAPI, error) {
	return tgbotapi.NewBotAPI(token)
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start connects the bot, forwards deadline events from the bus and serves
// commands until ctx ends.
func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := t.dial(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "allowed_chats", len(t.allowedIDs))

	if t.eventBus != nil {
		sub := t.eventBus.Subscribe("deadline.")
		defer t.eventBus.Unsubscribe(sub)
		go t.forwardAlerts(ctx, sub)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
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

// pollUpdates reads updates until ctx is done or the channel closes. It
// returns nil on cancellation and an error to trigger a reconnect.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || msg.Chat == nil {
		return
	}
	// Commands may carry the bot name in group chats: /stats@tman_bot.
	cmd, _, _ := strings.Cut(fields[0], "@")
	switch cmd {
	case "/stats":
		if t.source == nil {
			t.reply(msg.Chat.ID, "no task manager attached")
			return
		}
		t.reply(msg.Chat.ID, formatStats(t.source.CurrentTick(), t.source.Snapshot()))
	case "/tick":
		if t.source == nil {
			t.reply(msg.Chat.ID, "no task manager attached")
			return
		}
		t.reply(msg.Chat.ID, fmt.Sprintf("tick %d", t.source.CurrentTick()))
	default:
		t.reply(msg.Chat.ID, "commands: /stats, /tick")
	}
}

func (t *TelegramChannel) forwardAlerts(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if text, ok := t.alertText(ev); ok {
				t.broadcast(text)
			}
		}
	}
}

// alertText formats a deadline event, or reports false while the task is
// inside its alert interval.
func (t *TelegramChannel) alertText(ev bus.Event) (string, bool) {
	de, ok := ev.Payload.(bus.DeadlineEvent)
	if !ok {
		t.logger.Warn("invalid deadline payload", "topic", ev.Topic, "type", fmt.Sprintf("%T", ev.Payload))
		return "", false
	}

	t.alertMu.Lock()
	now := t.now()
	if last, seen := t.lastAlert[de.Task]; seen && now.Sub(last) < t.interval {
		t.suppressed[de.Task]++
		t.alertMu.Unlock()
		return "", false
	}
	t.lastAlert[de.Task] = now
	skipped := t.suppressed[de.Task]
	delete(t.suppressed, de.Task)
	t.alertMu.Unlock()

	var text string
	switch ev.Topic {
	case bus.TopicDeadlineMissed:
		text = fmt.Sprintf("⚠️ task %s missed a deadline at tick %d (%d total)", de.Task, de.Tick, de.Misses)
	case bus.TopicDeadlineOverrun:
		text = fmt.Sprintf("🚨 task %s is still running past its deadline at tick %d", de.Task, de.Tick)
	default:
		return "", false
	}
	if skipped > 0 {
		text += fmt.Sprintf("\n%d more deadline events since the last alert", skipped)
	}
	return text, true
}

func (t *TelegramChannel) broadcast(text string) {
	for chatID := range t.allowedIDs {
		t.reply(chatID, text)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// formatStats renders a snapshot as a fixed-width table.
func formatStats(tick uint64, stats []tman.TaskStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tick %d\n", tick)
	if len(stats) == 0 {
		b.WriteString("(no tasks)")
		return b.String()
	}
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tPERIOD\tACT\tMISS\tLAST")
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", st.Name, st.Attributes.Period, st.Activations, st.DeadlineMisses, st.LastActivationTick)
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}
