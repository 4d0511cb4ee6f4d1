package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
)

// maxMessageRunes is Telegram's limit for a single text message.
const maxMessageRunes = 4096

var errNotConnected = errors.New("telegram: bot not connected")

// BotAPI is the subset of *tgbotapi.BotAPI the channel uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TaskOps is the task surface reachable from chat commands.
type TaskOps interface {
	SubmitTask(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error)
	GetTaskStatus(ctx context.Context, taskID string) (engine.TaskStatusReport, error)
	ListActiveTasks(ctx context.Context) ([]persistence.Task, error)
	CancelTask(ctx context.Context, taskID, reason string) (engine.CancelResult, error)
	RespondToReview(ctx context.Context, taskID, response string) (*persistence.Task, error)
}

// TelegramChannel delivers notifications to the configured chats and lets
// those chats operate on tasks with slash commands. Messages from any other
// chat are ignored.
type TelegramChannel struct {
	token   string
	chatIDs []int64
	allowed map[int64]struct{}
	ops     TaskOps
	logger  *slog.Logger

	mu  sync.RWMutex
	bot BotAPI
}

func NewTelegramChannel(cfg config.TelegramConfig, ops TaskOps, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(cfg.ChatIDs))
	for _, id := range cfg.ChatIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:   cfg.Token,
		chatIDs: append([]int64(nil), cfg.ChatIDs...),
		allowed: allowed,
		ops:     ops,
		logger:  logger,
	}
}

// WithBot replaces the bot client, skipping the network handshake.
func (t *TelegramChannel) WithBot(bot BotAPI) *TelegramChannel {
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Connect authenticates the bot token. It is a no-op once a bot is set.
func (t *TelegramChannel) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	t.bot = bot
	return nil
}

func (t *TelegramChannel) client() BotAPI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

// NotifyUser sends text to every configured chat.
func (t *TelegramChannel) NotifyUser(ctx context.Context, text string) error {
	bot := t.client()
	if bot == nil {
		return errNotConnected
	}
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.send(bot, chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("telegram chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *TelegramChannel) send(bot BotAPI, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, truncateRunes(shared.Redact(text), maxMessageRunes))
	_, err := bot.Send(msg)
	return err
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	bot := t.client()
	if bot == nil {
		return
	}
	if err := t.send(bot, chatID, text); err != nil {
		t.logger.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// Start polls for updates until ctx is cancelled, reconnecting with
// exponential backoff when the long poll stalls or closes.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.Connect(); err != nil {
		return err
	}
	bot := t.client()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		pollErr := t.pollUpdates(ctx, bot.GetUpdatesChan(u))
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates returns nil when ctx is done and an error when the update
// channel closes or goes quiet for longer than the long-poll window allows.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.Chat == nil {
				continue
			}
			if _, ok := t.allowed[update.Message.Chat.ID]; !ok {
				t.logger.Warn("telegram access denied", "chat_id", update.Message.Chat.ID)
				continue
			}
			t.handleMessage(ctx, update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	if !msg.IsCommand() {
		t.reply(chatID, t.submit(ctx, text))
		return
	}

	args := strings.TrimSpace(msg.CommandArguments())
	var out string
	switch msg.Command() {
	case "submit":
		out = t.submit(ctx, args)
	case "status":
		out = t.status(ctx, args)
	case "tasks":
		out = t.list(ctx)
	case "cancel":
		id, reason, _ := strings.Cut(args, " ")
		out = t.cancel(ctx, id, strings.TrimSpace(reason))
	case "answer":
		id, answer, _ := strings.Cut(args, " ")
		out = t.answer(ctx, id, strings.TrimSpace(answer))
	default:
		out = "Commands: /submit [@agent] goal, /status id, /tasks, /cancel id [reason], /answer id text"
	}
	t.reply(chatID, out)
}

// submit enqueues goal; a leading @agent routes it to that agent.
func (t *TelegramChannel) submit(ctx context.Context, goal string) string {
	req := engine.SubmitRequest{Goal: goal, Source: "telegram"}
	if strings.HasPrefix(goal, "@") {
		agentID, rest, _ := strings.Cut(goal, " ")
		req.AgentID = strings.TrimPrefix(agentID, "@")
		req.Goal = strings.TrimSpace(rest)
	}
	res, err := t.ops.SubmitTask(ctx, req)
	if err != nil {
		return fmt.Sprintf("Error: could not submit task: %v", err)
	}
	return fmt.Sprintf("Task %s queued.", res.TaskID)
}

func (t *TelegramChannel) status(ctx context.Context, taskID string) string {
	if taskID == "" {
		return "Usage: /status <task_id>"
	}
	rep, err := t.ops.GetTaskStatus(ctx, taskID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s (attempt %d, %d steps)\n", rep.Task.ID, rep.Task.Status, rep.Task.Attempt, rep.Steps.Count)
	fmt.Fprintf(&b, "Goal: %s\n", rep.Task.Payload.Goal)
	if cp := rep.Checkpoint; cp != nil {
		if cp.ReviewQuestion != "" && rep.Task.Status == persistence.TaskStatusHumanReview {
			fmt.Fprintf(&b, "Waiting for review: %s\n", cp.ReviewQuestion)
		}
		if len(cp.PendingSubtasks) > 0 {
			fmt.Fprintf(&b, "Pending subtasks: %s\n", strings.Join(cp.PendingSubtasks, ", "))
		}
	}
	switch {
	case rep.Task.Result != "":
		fmt.Fprintf(&b, "Result: %s", rep.Task.Result)
	case rep.Task.Error != "":
		fmt.Fprintf(&b, "Error: %s", rep.Task.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *TelegramChannel) list(ctx context.Context) string {
	tasks, err := t.ops.ListActiveTasks(ctx)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if len(tasks) == 0 {
		return "No active tasks."
	}
	var b strings.Builder
	for _, task := range tasks {
		fmt.Fprintf(&b, "%s [%s] p%d %s\n", task.ID, task.Status, task.Priority, truncateRunes(task.Payload.Goal, 60))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *TelegramChannel) cancel(ctx context.Context, taskID, reason string) string {
	if taskID == "" {
		return "Usage: /cancel <task_id> [reason]"
	}
	if reason == "" {
		reason = "cancelled via telegram"
	}
	res, err := t.ops.CancelTask(ctx, taskID, reason)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return res.Message
}

func (t *TelegramChannel) answer(ctx context.Context, taskID, answer string) string {
	if taskID == "" || answer == "" {
		return "Usage: /answer <task_id> <response>"
	}
	if _, err := t.ops.RespondToReview(ctx, taskID, answer); err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("Task %s resumed.", taskID)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
