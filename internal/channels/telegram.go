package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/turnbridge/internal/client"
	"github.com/basket/turnbridge/internal/engine"
	"github.com/basket/turnbridge/internal/gateway"
	"github.com/basket/turnbridge/internal/turn"
)

const (
	kvThreadPrefix = "telegram:thread:"
	kvHighWater    = "telegram:hwm"

	// Telegram rejects messages longer than this many UTF-16 units; runes
	// are a close enough bound for the text the engine produces.
	maxMessageRunes = 4000

	callbackPrefix = "ap:"
)

// botAPI is the subset of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramConfig configures a TelegramChannel.
type TelegramConfig struct {
	Token      string
	AllowedIDs []int64
	// TurnTimeout is how long a chat waits before it is told the turn is
	// still running. Waiting continues afterwards.
	TurnTimeout time.Duration

	Bridge Bridge
	Store  KV
	Logger *slog.Logger
}

// TelegramChannel drives engine threads from Telegram chats. Each allowed
// chat is bound to one thread; plain messages start turns on it and the
// final agent text is sent back when the turn completes.
type TelegramChannel struct {
	cfg        TelegramConfig
	allowedIDs map[int64]struct{}
	bridge     Bridge
	store      KV
	logger     *slog.Logger
	bot        botAPI
	waiter     *turn.Waiter

	mu       sync.Mutex
	threads  map[int64]string // chatID -> threadID
	chats    map[string]int64 // threadID -> chatID
	resumed  map[string]bool
	prompts  map[string]approvalPrompt // approval id -> rendered prompt
	lastSave time.Time
}

type approvalPrompt struct {
	chatID    int64
	messageID int
	text      string
}

// NewTelegramChannel creates a new Telegram channel.
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
		cfg:        cfg,
		allowedIDs: allowed,
		bridge:     cfg.Bridge,
		store:      cfg.Store,
		logger:     logger.With("component", "telegram"),
		waiter:     turn.NewWaiter(),
		threads:    make(map[int64]string),
		chats:      make(map[string]int64),
		resumed:    make(map[string]bool),
		prompts:    make(map[string]approvalPrompt),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		t.logger.Info("telegram bot started", "user", bot.Self.UserName)
		t.bot = bot
	}
	if err := t.loadThreads(ctx); err != nil {
		t.logger.Warn("failed to load chat threads", "error", err)
	}

	unsubscribe := t.bridge.OnEvent(func(ev client.Event) { t.onEvent(ctx, ev) })
	defer unsubscribe()
	defer t.saveHighWater(context.Background(), true)

	// Connect only once subscribed so the catch-up replay is observed.
	if c, ok := t.bridge.(interface{ Connect(context.Context) error }); ok {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("bridge connect failed: %w", err)
		}
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

		if pollErr != nil {
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
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within the stall timeout. Returns nil on
// context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// The library blocks rather than closing the channel when the long poll
	// dies, so silence for 2.5x the poll timeout is treated as a disconnect.
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
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		if update.Message.From == nil || !t.allowed(update.Message.From.ID) {
			var userID int64
			if update.Message.From != nil {
				userID = update.Message.From.ID
			}
			t.logger.Warn("telegram access denied", "user_id", userID, "chat_id", update.Message.Chat.ID)
			return
		}
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		if update.CallbackQuery.From == nil || !t.allowed(update.CallbackQuery.From.ID) {
			t.logger.Warn("telegram callback access denied")
			return
		}
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			t.reply(chatID, "Send a message to start a turn. /new starts a fresh thread, /interrupt stops the running turn.")
		case "new":
			t.forgetThread(ctx, chatID)
			t.reply(chatID, "Next message starts a new thread.")
		case "interrupt":
			t.interrupt(ctx, chatID)
		default:
			t.reply(chatID, "Unknown command: /"+msg.Command())
		}
		return
	}

	threadID, err := t.ensureThread(ctx, chatID)
	if err != nil {
		t.logger.Error("failed to open thread", "chat_id", chatID, "error", err)
		t.reply(chatID, fmt.Sprintf("Error: could not open a thread: %v", err))
		return
	}

	if _, busy := t.waiter.State(threadID); busy {
		t.reply(chatID, "A turn is already running. Use /interrupt to stop it.")
		return
	}

	// Track before starting so a completion racing the response is kept.
	t.waiter.Track(threadID, "")
	raw, err := t.bridge.Request(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": content}},
	})
	if err != nil {
		t.waiter.Interrupt(threadID)
		t.logger.Error("failed to start turn", "chat_id", chatID, "thread_id", threadID, "error", err)
		t.reply(chatID, fmt.Sprintf("Error: could not start turn: %v", err))
		return
	}
	var started struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	_ = json.Unmarshal(raw, &started)

	go t.awaitTurn(ctx, chatID, threadID, started.Turn.ID)
}

func (t *TelegramChannel) awaitTurn(ctx context.Context, chatID int64, threadID, turnID string) {
	res, err := t.waiter.Wait(ctx, threadID, turnID, t.cfg.TurnTimeout)
	if errors.Is(err, turn.ErrTurnTimeout) {
		t.reply(chatID, "Still working on it...")
		res, err = t.waiter.Wait(ctx, threadID, turnID, 0)
	}
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("turn wait failed", "thread_id", threadID, "turn_id", turnID, "error", err)
		}
		return
	}
	t.reply(chatID, formatResult(res))
}

func formatResult(res turn.Result) string {
	text := strings.TrimSpace(res.StreamText)
	if !res.Completion.Failed() {
		if text == "" {
			return "(turn completed with no text)"
		}
		return text
	}
	msg := "Turn " + res.Summary()
	if text != "" {
		msg += "\n\n" + text
	}
	return msg
}

func (t *TelegramChannel) interrupt(ctx context.Context, chatID int64) {
	t.mu.Lock()
	threadID := t.threads[chatID]
	t.mu.Unlock()
	st, running := t.waiter.State(threadID)
	if threadID == "" || !running {
		t.reply(chatID, "Nothing is running.")
		return
	}
	params := map[string]any{"threadId": threadID}
	if st.TurnID != "" {
		params["turnId"] = st.TurnID
	}
	if _, err := t.bridge.Request(ctx, "turn/interrupt", params); err != nil {
		t.reply(chatID, fmt.Sprintf("Error: interrupt failed: %v", err))
		return
	}
	t.waiter.Interrupt(threadID)
}

// ensureThread returns the chat's thread, resuming a persisted one on first
// use and starting a new one when there is none or it cannot be resumed.
func (t *TelegramChannel) ensureThread(ctx context.Context, chatID int64) (string, error) {
	t.mu.Lock()
	threadID := t.threads[chatID]
	resumed := t.resumed[threadID]
	t.mu.Unlock()

	if threadID != "" && resumed {
		return threadID, nil
	}
	if threadID != "" {
		_, err := t.bridge.Request(ctx, "thread/resume", map[string]any{"threadId": threadID})
		if err == nil {
			t.bindThread(ctx, chatID, threadID)
			return threadID, nil
		}
		t.logger.Info("thread resume failed, starting a new one", "thread_id", threadID, "error", err)
	}

	raw, err := t.bridge.Request(ctx, "thread/start", map[string]any{})
	if err != nil {
		return "", err
	}
	var started struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(raw, &started); err != nil || started.Thread.ID == "" {
		return "", fmt.Errorf("thread/start returned no thread id: %s", raw)
	}
	t.bindThread(ctx, chatID, started.Thread.ID)
	return started.Thread.ID, nil
}

func (t *TelegramChannel) bindThread(ctx context.Context, chatID int64, threadID string) {
	t.mu.Lock()
	if old := t.threads[chatID]; old != "" && old != threadID {
		delete(t.chats, old)
	}
	t.threads[chatID] = threadID
	t.chats[threadID] = chatID
	t.resumed[threadID] = true
	t.mu.Unlock()
	if t.store == nil {
		return
	}
	if err := t.store.KVSet(ctx, kvThreadPrefix+strconv.FormatInt(chatID, 10), threadID); err != nil {
		t.logger.Warn("failed to persist chat thread", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramChannel) forgetThread(ctx context.Context, chatID int64) {
	t.mu.Lock()
	if old := t.threads[chatID]; old != "" {
		delete(t.chats, old)
	}
	delete(t.threads, chatID)
	t.mu.Unlock()
	if t.store == nil {
		return
	}
	if err := t.store.KVSet(ctx, kvThreadPrefix+strconv.FormatInt(chatID, 10), ""); err != nil {
		t.logger.Warn("failed to clear chat thread", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramChannel) loadThreads(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	for chatID := range t.allowedIDs {
		threadID, err := t.store.KVGet(ctx, kvThreadPrefix+strconv.FormatInt(chatID, 10))
		if err != nil {
			return err
		}
		if threadID == "" {
			continue
		}
		t.mu.Lock()
		t.threads[chatID] = threadID
		t.chats[threadID] = chatID
		t.mu.Unlock()
	}
	return nil
}

// LoadHighWaterMark returns the last event id a previous run saw, so the
// bridge client can replay what was missed while it was down.
func LoadHighWaterMark(ctx context.Context, store KV) int64 {
	if store == nil {
		return 0
	}
	raw, err := store.KVGet(ctx, kvHighWater)
	if err != nil || raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (t *TelegramChannel) saveHighWater(ctx context.Context, force bool) {
	if t.store == nil {
		return
	}
	t.mu.Lock()
	if !force && time.Since(t.lastSave) < 2*time.Second {
		t.mu.Unlock()
		return
	}
	t.lastSave = time.Now()
	t.mu.Unlock()
	hwm := t.bridge.HighWaterMark()
	if hwm <= 0 {
		return
	}
	if err := t.store.KVSet(ctx, kvHighWater, strconv.FormatInt(hwm, 10)); err != nil {
		t.logger.Warn("failed to save event high-water mark", "error", err)
	}
}

func (t *TelegramChannel) onEvent(ctx context.Context, ev client.Event) {
	t.waiter.Observe(ev.Method, ev.Params)

	switch ev.Method {
	case gateway.EventApprovalRequested:
		var pa engine.PendingApproval
		if err := json.Unmarshal(ev.Params, &pa); err != nil || pa.ID == "" {
			return
		}
		t.promptApproval(pa)
	case gateway.EventApprovalResolved, gateway.EventApprovalCancelled:
		var p struct {
			ID       string `json:"id"`
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		}
		if json.Unmarshal(ev.Params, &p) != nil {
			return
		}
		outcome := p.Decision
		if ev.Method == gateway.EventApprovalCancelled {
			outcome = "cancelled"
			if p.Reason != "" {
				outcome += " (" + p.Reason + ")"
			}
		}
		t.closePrompt(p.ID, outcome)
	case gateway.EventEngineExited:
		t.mu.Lock()
		chats := make([]int64, 0, len(t.threads))
		for chatID := range t.threads {
			chats = append(chats, chatID)
		}
		// Threads must be resumed in the next engine process.
		t.resumed = make(map[string]bool)
		t.mu.Unlock()
		for _, chatID := range chats {
			t.waiter.Interrupt(t.threadFor(chatID))
			t.reply(chatID, "The engine stopped. Your next message will restart it.")
		}
	}
	t.saveHighWater(ctx, false)
}

func (t *TelegramChannel) threadFor(chatID int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threads[chatID]
}

// promptApproval sends the approval with inline buttons to the chat that
// owns its thread, or to every allowed chat when the thread is unknown.
func (t *TelegramChannel) promptApproval(pa engine.PendingApproval) {
	t.mu.Lock()
	chatID, known := t.chats[pa.ThreadID]
	t.mu.Unlock()
	targets := []int64{chatID}
	if !known {
		targets = targets[:0]
		for id := range t.allowedIDs {
			targets = append(targets, id)
		}
	}

	text := formatApproval(pa)
	keyboard := approvalKeyboard(pa)
	for _, target := range targets {
		msg := tgbotapi.NewMessage(target, text)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		msg.ReplyMarkup = keyboard
		sent, err := t.bot.Send(msg)
		if err != nil {
			t.logger.Error("failed to send approval prompt", "approval_id", pa.ID, "chat_id", target, "error", err)
			continue
		}
		t.mu.Lock()
		t.prompts[pa.ID] = approvalPrompt{chatID: target, messageID: sent.MessageID, text: text}
		t.mu.Unlock()
	}
}

func (t *TelegramChannel) closePrompt(approvalID, outcome string) {
	t.mu.Lock()
	prompt, ok := t.prompts[approvalID]
	delete(t.prompts, approvalID)
	t.mu.Unlock()
	if !ok {
		return
	}
	edit := tgbotapi.NewEditMessageText(prompt.chatID, prompt.messageID,
		prompt.text+"\n\n"+escapeMarkdownV2("→ "+outcome))
	edit.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to update approval prompt", "approval_id", approvalID, "error", err)
	}
}

func formatApproval(pa engine.PendingApproval) string {
	var detail struct {
		Command any    `json:"command"`
		Reason  string `json:"reason"`
		Cwd     string `json:"cwd"`
	}
	_ = json.Unmarshal(pa.Params, &detail)

	var b strings.Builder
	b.WriteString("*Approval required*: ")
	b.WriteString(escapeMarkdownV2(string(pa.Kind)))
	if cmd := commandText(detail.Command); cmd != "" {
		b.WriteString("\n```\n")
		b.WriteString(escapeCode(cmd))
		b.WriteString("\n```")
	}
	if detail.Cwd != "" {
		b.WriteString("\nin `" + escapeCode(detail.Cwd) + "`")
	}
	if detail.Reason != "" {
		b.WriteString("\n" + escapeMarkdownV2(detail.Reason))
	}
	return b.String()
}

func commandText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		parts := make([]string, 0, len(c))
		for _, p := range c {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func approvalKeyboard(pa engine.PendingApproval) tgbotapi.InlineKeyboardMarkup {
	if pa.Kind == engine.KindUserInput {
		return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Cancel", callbackPrefix+pa.ID+":"+engine.DecisionCancel),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Accept", callbackPrefix+pa.ID+":"+engine.DecisionAccept),
			tgbotapi.NewInlineKeyboardButtonData("Accept for session", callbackPrefix+pa.ID+":"+engine.DecisionAcceptForSession),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Decline", callbackPrefix+pa.ID+":"+engine.DecisionDecline),
		),
	)
}

// handleCallbackQuery answers inline approval buttons.
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	approvalID, decision, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	ack := "Sent: " + decision
	if _, err := t.bridge.Request(ctx, gateway.MethodApprovalsResolve, map[string]any{
		"id":       approvalID,
		"decision": decision,
	}); err != nil {
		t.logger.Warn("approval resolve failed", "approval_id", approvalID, "error", err)
		ack = "Could not resolve: " + err.Error()
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(query.ID, ack)); err != nil {
		t.logger.Warn("failed to answer callback", "error", err)
	}
}

// parseApprovalCallback splits "ap:<approvalID>:<decision>".
func parseApprovalCallback(data string) (approvalID, decision string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(data), callbackPrefix)
	if !ok {
		return "", "", errors.New("not an approval callback")
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", errors.New("invalid approval callback format")
	}
	approvalID, decision = rest[:i], rest[i+1:]
	switch decision {
	case engine.DecisionAccept, engine.DecisionAcceptForSession, engine.DecisionDecline, engine.DecisionCancel:
		return approvalID, decision, nil
	}
	return "", "", fmt.Errorf("unknown decision %q", decision)
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	for _, part := range splitMessage(text, maxMessageRunes) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			t.logger.Error("failed to send telegram reply", "chat_id", chatID, "error", err)
			return
		}
	}
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 || len(parts) == 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes text inside MarkdownV2 code spans, where only the
// backtick and backslash are special.
func escapeCode(s string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(s)
}
