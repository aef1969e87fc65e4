package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/sourpls22-ux/MiraVPN/internal/config"
	"github.com/sourpls22-ux/MiraVPN/internal/models"
	"github.com/sourpls22-ux/MiraVPN/internal/service"
)

const (
	maxListedKeys  = 15
	historyEntries = 10
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	cfg      config.Config
	api      API
	log      *slog.Logger
	accounts *service.AccountService
	keys     *service.KeyService
	tariffs  *service.TariffService
	state    *StateManager
	limiter  *rate.Limiter
}

func NewBot(cfg config.Config, api API, log *slog.Logger, accounts *service.AccountService, keys *service.KeyService, tariffs *service.TariffService) *Bot {
	limit := rate.Inf
	if cfg.NotifyRatePerSecond > 0 {
		limit = rate.Limit(cfg.NotifyRatePerSecond)
	}
	return &Bot{
		cfg:      cfg,
		api:      api,
		log:      log,
		accounts: accounts,
		keys:     keys,
		tariffs:  tariffs,
		state:    NewStateManager(),
		limiter:  rate.NewLimiter(limit, 1),
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) isAdmin(userID int64) bool {
	return b.cfg.AdminID != 0 && userID == b.cfg.AdminID
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session := b.state.Get(msg.Chat.ID)
	if session.State != StateIdle && b.isAdmin(msg.From.ID) {
		b.handleDialogue(ctx, msg.Chat.ID, session, msg.Text)
		return
	}
	b.sendText(msg.Chat.ID, "Нажмите /start, чтобы открыть меню.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	arg := firstArg(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.sendMenu(chatID, userID)
		return
	case "help":
		b.sendHelp(chatID, userID)
		return
	case "get":
		b.provision(ctx, chatID, userID)
		return
	case "status":
		b.sendStatus(ctx, chatID, userID)
		return
	case "myconfig":
		b.sendMyConfig(ctx, chatID, userID)
		return
	case "buy":
		b.buyExtra(ctx, chatID, userID)
		return
	case "free":
		b.enableFreeMode(ctx, chatID, userID)
		return
	case "history":
		b.sendHistory(ctx, chatID, userID)
		return
	case "tariffs":
		b.sendHTML(chatID, formatTariffs(b.tariffs.Catalog()))
		return
	case "cancel":
		b.state.Reset(chatID)
		b.sendText(chatID, "❌ Отменено.")
		return
	}

	if !b.isAdmin(userID) {
		b.sendText(chatID, "Неизвестная команда. Используйте /start.")
		return
	}

	switch msg.Command() {
	case "create":
		if arg == "" {
			b.startKeyDialogue(chatID)
			return
		}
		b.createKey(ctx, chatID, service.KeySpec{Name: arg, QuotaGB: defaultKeyQuotaGB, ExpireDays: defaultKeyExpireDays})
	case "skip":
		b.skipDialogueStep(ctx, chatID)
	case "list":
		b.sendKeyList(ctx, chatID)
	case "config":
		if arg == "" {
			b.sendText(chatID, "Использование: /config <имя>")
			return
		}
		b.sendKeyConfig(ctx, chatID, arg)
	case "stats":
		if arg == "" {
			b.sendText(chatID, "Использование: /stats <имя>")
			return
		}
		b.sendKeyStats(ctx, chatID, arg)
	case "delete":
		if arg == "" {
			b.sendText(chatID, "Использование: /delete <имя>")
			return
		}
		b.deleteKey(ctx, chatID, arg)
	case "reset":
		if arg == "" {
			b.sendText(chatID, "Использование: /reset <имя>")
			return
		}
		b.resetKey(ctx, chatID, arg)
	default:
		b.sendText(chatID, "Неизвестная команда. Используйте /start.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		b.answer(cb.ID, "", false)
		return
	}
	chatID := cb.Message.Chat.ID
	userID := cb.From.ID
	c := parseCallback(cb.Data)

	switch c.Action {
	case cbProvision:
		b.answer(cb.ID, "", false)
		b.provision(ctx, chatID, userID)
	case cbMyStatus:
		b.answer(cb.ID, "", false)
		b.sendStatus(ctx, chatID, userID)
	case cbMyConfig:
		b.answer(cb.ID, "", false)
		b.sendMyConfig(ctx, chatID, userID)
	case cbTariffs:
		b.answer(cb.ID, "", false)
		b.sendHTML(chatID, formatTariffs(b.tariffs.Catalog()))
	case cbHistory:
		b.answer(cb.ID, "", false)
		b.sendHistory(ctx, chatID, userID)
	case cbHelp:
		b.answer(cb.ID, "", false)
		b.sendHelp(chatID, userID)
	case cbBuyExtra, cbEnableFree:
		target, err := c.targetID()
		if err != nil {
			b.log.Warn("malformed callback", "data", cb.Data, "err", err)
			b.answer(cb.ID, "Неизвестное действие", true)
			return
		}
		if target != userID {
			b.answer(cb.ID, "❌ Эта кнопка предназначена другому пользователю", true)
			return
		}
		b.answer(cb.ID, "⏳ Обрабатываю...", false)
		if c.Action == cbBuyExtra {
			b.buyExtra(ctx, chatID, userID)
		} else {
			b.enableFreeMode(ctx, chatID, userID)
		}
	case cbCreateKey, cbListKeys, cbGetConfig, cbDeleteUser, cbConfirmDelete:
		if !b.isAdmin(userID) {
			b.answer(cb.ID, "❌ Нет доступа", true)
			return
		}
		b.handleAdminCallback(ctx, cb, c)
	default:
		b.answer(cb.ID, "Неизвестное действие", false)
	}
}

func (b *Bot) handleAdminCallback(ctx context.Context, cb *tgbotapi.CallbackQuery, c callback) {
	chatID := cb.Message.Chat.ID
	switch c.Action {
	case cbCreateKey:
		b.answer(cb.ID, "", false)
		b.startKeyDialogue(chatID)
	case cbListKeys:
		b.answer(cb.ID, "Загрузка...", false)
		b.sendKeyList(ctx, chatID)
	case cbGetConfig:
		cfg, err := b.keys.Config(ctx, c.Arg)
		if err != nil {
			b.log.Error("key config", "name", c.Arg, "err", err)
			b.answer(cb.ID, "❌ Не удалось получить конфигурацию", true)
			return
		}
		b.answer(cb.ID, "✅ Конфигурация отправлена", false)
		b.sendHTML(chatID, formatConfig("Конфигурация для "+c.Arg, cfg))
	case cbDeleteUser:
		b.answer(cb.ID, "", false)
		keyboard := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Да, удалить", cbConfirmDelete+c.Arg),
			tgbotapi.NewInlineKeyboardButtonData("❌ Отмена", cbListKeys),
		))
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, cb.Message.MessageID,
			fmt.Sprintf("⚠️ <b>Подтверждение удаления</b>\n\nВы уверены, что хотите удалить ключ <code>%s</code>?", html.EscapeString(c.Arg)),
			keyboard)
		edit.ParseMode = tgbotapi.ModeHTML
		if _, err := b.api.Send(edit); err != nil {
			b.log.Error("send delete confirmation", "err", err)
		}
	case cbConfirmDelete:
		if err := b.keys.Delete(ctx, c.Arg); err != nil {
			b.log.Error("delete key", "name", c.Arg, "err", err)
			b.answer(cb.ID, "❌ Ошибка при удалении", true)
			return
		}
		b.answer(cb.ID, "✅ Удалено", false)
		edit := tgbotapi.NewEditMessageText(chatID, cb.Message.MessageID,
			fmt.Sprintf("✅ Ключ <code>%s</code> успешно удален.", html.EscapeString(c.Arg)))
		edit.ParseMode = tgbotapi.ModeHTML
		if _, err := b.api.Send(edit); err != nil {
			b.log.Error("edit deleted key message", "err", err)
		}
	}
}

func (b *Bot) sendMenu(chatID, userID int64) {
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🚀 Получить VPN", cbProvision)),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📊 Мой статус", cbMyStatus),
			tgbotapi.NewInlineKeyboardButtonData("📥 Конфигурация", cbMyConfig),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💳 Тарифы", cbTariffs),
			tgbotapi.NewInlineKeyboardButtonData("🧾 История", cbHistory),
		),
	}
	if b.isAdmin(userID) {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Создать ключ", cbCreateKey),
			tgbotapi.NewInlineKeyboardButtonData("📋 Все ключи", cbListKeys),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("ℹ️ Помощь", cbHelp)))

	msg := tgbotapi.NewMessage(chatID, "🔐 <b>MiraVPN</b>\n\nВыберите действие:")
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send menu", "err", err)
	}
}

func (b *Bot) sendHelp(chatID, userID int64) {
	if b.isAdmin(userID) {
		b.sendHTML(chatID, adminHelpText)
		return
	}
	b.sendHTML(chatID, userHelpText)
}

func (b *Bot) provision(ctx context.Context, chatID, userID int64) {
	b.sendText(chatID, "⏳ Создаю ключ...")
	res, err := b.accounts.Provision(ctx, userID)
	if err != nil {
		b.replyError(chatID, "provision", err)
		return
	}
	text := fmt.Sprintf("✅ <b>VPN подключен!</b>\n\nЛимит: %d GB\nСрок действия: %d дней", res.LimitGB, res.ExpireDays)
	if res.Config != "" {
		text += "\n\n" + formatConfig("Конфигурация:", res.Config)
	} else {
		text += "\n\nКонфигурация пока недоступна, попробуйте /myconfig."
	}
	b.sendHTML(chatID, text)
}

func (b *Bot) sendStatus(ctx context.Context, chatID, userID int64) {
	st, err := b.accounts.Status(ctx, userID)
	if err != nil {
		b.replyError(chatID, "status", err)
		return
	}
	b.sendHTML(chatID, formatAccountStatus(st))
}

func (b *Bot) sendMyConfig(ctx context.Context, chatID, userID int64) {
	cfg, err := b.accounts.Config(ctx, userID)
	if err != nil {
		b.replyError(chatID, "config", err)
		return
	}
	b.sendHTML(chatID, formatConfig("Ваша конфигурация:", cfg))
}

func (b *Bot) buyExtra(ctx context.Context, chatID, userID int64) {
	res, err := b.accounts.BuyExtra(ctx, userID)
	if err != nil {
		b.replyError(chatID, "buy extra", err)
		return
	}
	catalog := b.tariffs.Catalog()
	b.sendHTML(chatID, fmt.Sprintf("✅ Добавлено %d GB за %s.\nИспользовано: %s",
		catalog.Extra.GB, formatPrice(res.Transaction.AmountMinor, catalog.Currency), formatUsage(res.Remote)))
}

func (b *Bot) enableFreeMode(ctx context.Context, chatID, userID int64) {
	res, err := b.accounts.EnableFreeMode(ctx, userID)
	if err != nil {
		b.replyError(chatID, "free mode", err)
		return
	}
	text := fmt.Sprintf("✅ Бесплатный режим включен до %s.\nСкорость ограничена до %d Мбит/с.",
		res.Until.Format(dateLayout), b.tariffs.Catalog().FreeMode.SpeedMbps)
	if res.Config != "" {
		text += "\n\n" + formatConfig("Конфигурация:", res.Config)
	}
	b.sendHTML(chatID, text)
}

func (b *Bot) sendHistory(ctx context.Context, chatID, userID int64) {
	txs, err := b.accounts.Transactions(ctx, userID, historyEntries)
	if err != nil {
		b.replyError(chatID, "history", err)
		return
	}
	b.sendHTML(chatID, formatHistory(txs, b.tariffs.Catalog().Currency))
}

func (b *Bot) startKeyDialogue(chatID int64) {
	b.state.Set(chatID, startDialogue())
	b.sendText(chatID, "📝 Создание нового ключа\n\nОтправьте имя пользователя для нового ключа.\nИли отправьте /cancel для отмены.")
}

func (b *Bot) handleDialogue(ctx context.Context, chatID int64, session Session, input string) {
	next, done, err := advance(session, input)
	if err != nil {
		b.sendText(chatID, dialogueRetryPrompt(session.State))
		return
	}
	b.continueDialogue(ctx, chatID, next, done)
}

func (b *Bot) skipDialogueStep(ctx context.Context, chatID int64) {
	next, done, err := skip(b.state.Get(chatID))
	if err != nil {
		b.sendText(chatID, "Сейчас нечего пропускать.")
		return
	}
	b.continueDialogue(ctx, chatID, next, done)
}

func (b *Bot) continueDialogue(ctx context.Context, chatID int64, next Session, done bool) {
	b.state.Set(chatID, next)
	if done {
		b.createKey(ctx, chatID, next.KeySpec())
		return
	}
	switch next.State {
	case StateAwaitingQuota:
		b.sendHTML(chatID, fmt.Sprintf("✅ Имя пользователя: <code>%s</code>\n\nОтправьте лимит трафика в GB (или 0 для безлимита).\nИли отправьте /skip для значения по умолчанию (%d GB).",
			html.EscapeString(next.Name), defaultKeyQuotaGB))
	case StateAwaitingExpiry:
		b.sendText(chatID, fmt.Sprintf("✅ Лимит: %s\n\nОтправьте срок действия в днях (или 0 для бессрочного).\nИли отправьте /skip для значения по умолчанию (%d дней).",
			formatQuota(next.QuotaGB), defaultKeyExpireDays))
	}
}

func dialogueRetryPrompt(state SessionState) string {
	switch state {
	case StateAwaitingName:
		return "❌ Имя должно содержать от 3 до 32 латинских букв, цифр или _. Попробуйте еще раз."
	case StateAwaitingQuota:
		return "❌ Неверный формат. Отправьте число (например: 100 или 0)."
	default:
		return "❌ Неверный формат. Отправьте число дней (например: 30 или 0)."
	}
}

func formatQuota(gb float64) string {
	if gb == 0 {
		return "Безлимит"
	}
	return fmt.Sprintf("%g GB", gb)
}

func (b *Bot) createKey(ctx context.Context, chatID int64, spec service.KeySpec) {
	b.sendText(chatID, "⏳ Создаю ключ...")
	key, err := b.keys.Create(ctx, spec)
	if err != nil {
		b.log.Error("create key", "name", spec.Name, "err", err)
		if errors.Is(err, service.ErrInvalidKeyName) {
			b.sendText(chatID, dialogueRetryPrompt(StateAwaitingName))
			return
		}
		b.sendText(chatID, "❌ Ошибка при создании ключа. Возможно, пользователь уже существует.")
		return
	}
	expire := "Бессрочно"
	if spec.ExpireDays > 0 {
		expire = fmt.Sprintf("%d дней", spec.ExpireDays)
	}
	text := fmt.Sprintf("✅ <b>Ключ создан!</b>\n\n👤 Пользователь: <code>%s</code>\n📊 Лимит: %s\n⏰ Срок действия: %s",
		html.EscapeString(key.Account.Username), formatQuota(spec.QuotaGB), expire)
	if key.Config != "" {
		text += "\n\n" + formatConfig("Конфигурация:", key.Config)
	} else {
		text += fmt.Sprintf("\n\nНе удалось получить конфигурацию. Попробуйте /config %s", html.EscapeString(spec.Name))
	}
	b.sendHTML(chatID, text)
}

func (b *Bot) sendKeyList(ctx context.Context, chatID int64) {
	keys, err := b.keys.List(ctx)
	if err != nil {
		b.log.Error("list keys", "err", err)
		b.sendText(chatID, "❌ Не удалось получить список ключей.")
		return
	}
	msg := tgbotapi.NewMessage(chatID, formatKeyList(keys, maxListedKeys))
	msg.ParseMode = tgbotapi.ModeHTML
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, k := range keys {
		if i == maxListedKeys {
			break
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📥 "+k.Username, cbGetConfig+k.Username),
			tgbotapi.NewInlineKeyboardButtonData("🗑️", cbDeleteUser+k.Username),
		))
	}
	if len(rows) > 0 {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send key list", "err", err)
	}
}

func (b *Bot) sendKeyConfig(ctx context.Context, chatID int64, name string) {
	cfg, err := b.keys.Config(ctx, name)
	if err != nil {
		b.log.Error("key config", "name", name, "err", err)
		b.sendText(chatID, "❌ Не удалось получить конфигурацию.")
		return
	}
	b.sendHTML(chatID, formatConfig("Конфигурация для "+name, cfg))
}

func (b *Bot) sendKeyStats(ctx context.Context, chatID int64, name string) {
	acc, err := b.keys.Stats(ctx, name)
	if err != nil {
		if errors.Is(err, service.ErrRemoteAccountNotFound) {
			b.sendText(chatID, "❌ Пользователь не найден.")
			return
		}
		b.log.Error("key stats", "name", name, "err", err)
		b.sendText(chatID, "❌ Панель недоступна, попробуйте позже.")
		return
	}
	b.sendHTML(chatID, formatKeyStats(acc))
}

func (b *Bot) deleteKey(ctx context.Context, chatID int64, name string) {
	if err := b.keys.Delete(ctx, name); err != nil {
		b.log.Error("delete key", "name", name, "err", err)
		b.sendText(chatID, "❌ Ошибка при удалении.")
		return
	}
	b.sendHTML(chatID, fmt.Sprintf("✅ Ключ <code>%s</code> удален.", html.EscapeString(name)))
}

func (b *Bot) resetKey(ctx context.Context, chatID int64, name string) {
	if err := b.keys.Reset(ctx, name); err != nil {
		b.log.Error("reset key", "name", name, "err", err)
		b.sendText(chatID, "❌ Не удалось сбросить трафик.")
		return
	}
	b.sendHTML(chatID, fmt.Sprintf("✅ Трафик ключа <code>%s</code> сброшен.", html.EscapeString(name)))
}

// NotifyLimited tells the account owner that the traffic limit is reached and
// offers the two ways out. Sends are paced by the notification limiter.
func (b *Bot) NotifyLimited(ctx context.Context, account models.Account, remote models.PanelAccount) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(account.TelegramID, formatLimitReached(remote, b.tariffs.Catalog()))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("💳 Купить трафик", buyExtraData(account.TelegramID))),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🐢 Бесплатный режим", enableFreeData(account.TelegramID))),
	)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send limit notification: %w", err)
	}
	return nil
}

type BroadcastResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Broadcast sends text to every provisioned account.
func (b *Bot) Broadcast(ctx context.Context, text string) (BroadcastResult, error) {
	var res BroadcastResult
	accounts, err := b.accounts.ListAll(ctx)
	if err != nil {
		return res, err
	}
	for _, acc := range accounts {
		if err := b.limiter.Wait(ctx); err != nil {
			return res, err
		}
		if _, err := b.api.Send(tgbotapi.NewMessage(acc.TelegramID, text)); err != nil {
			res.Failed++
			b.log.Warn("broadcast send failed", "telegram_id", acc.TelegramID, "err", err)
			continue
		}
		res.Sent++
	}
	b.log.Info("broadcast finished", "sent", res.Sent, "failed", res.Failed)
	return res, nil
}

func (b *Bot) replyError(chatID int64, op string, err error) {
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		b.sendText(chatID, "У вас ещё нет VPN. Нажмите /get, чтобы подключиться.")
	case errors.Is(err, service.ErrAccountExists):
		b.sendText(chatID, "У вас уже есть VPN. Используйте /myconfig, чтобы получить конфигурацию.")
	case errors.Is(err, service.ErrRemoteAccountNotFound):
		b.log.Warn(op, "err", err)
		b.sendText(chatID, "Аккаунт не найден на сервере VPN. Обратитесь к администратору.")
	case errors.Is(err, service.ErrPanelUnavailable):
		b.log.Error(op, "err", err)
		b.sendText(chatID, "Сервер VPN временно недоступен, попробуйте позже.")
	default:
		b.log.Error(op, "err", err)
		b.sendText(chatID, "Произошла ошибка, попробуйте позже.")
	}
}

func (b *Bot) answer(callbackID, text string, alert bool) {
	cfg := tgbotapi.NewCallback(callbackID, text)
	cfg.ShowAlert = alert
	if _, err := b.api.Request(cfg); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func (b *Bot) sendHTML(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send html", "err", err)
	}
}

func firstArg(args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
