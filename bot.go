package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	instruct "github.com/Asort97/happycat-vpn/clients/instruction"
	yookassa "github.com/Asort97/happycat-vpn/clients/yooKassa"
	"github.com/Asort97/happycat-vpn/config"
	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/issuer"
	"github.com/Asort97/happycat-vpn/lifecycle"
	"github.com/Asort97/happycat-vpn/models"
	"github.com/Asort97/happycat-vpn/referral"
)

const startText = `Привет! <b>Добро пожаловать в HappyCat VPN</b> 😺🔐

Здесь ты можешь:
• Получить пробный ключ на неделю.
• Оплатить доступ и продлить его в пару кликов.
• Пригласить друзей и получить бонусные дни.
• Найти инструкции для всех устройств.`

const supportText = `📞 <b>Служба поддержки HappyCat VPN</b>

Напишите нам в Telegram: @happycatvpn
<i>Отвечаем каждый день, пишите, если что-то не работает.</i>`

const (
	maxConcurrentUpdates = 16
	actionCooldown       = 3 * time.Second
	parseHTML            = "HTML"
)

// Bot is the Telegram surface of the lifecycle manager.
type Bot struct {
	api      *tgbotapi.BotAPI
	manager  *lifecycle.Manager
	payments *yookassa.YooKassaClient
	cfg      *config.Config

	mu         sync.Mutex
	menus      map[int64]int // chat -> message id of the live menu
	lastAction map[string]time.Time
}

func NewBot(api *tgbotapi.BotAPI, manager *lifecycle.Manager, payments *yookassa.YooKassaClient, cfg *config.Config) *Bot {
	return &Bot{
		api:        api,
		manager:    manager,
		payments:   payments,
		cfg:        cfg,
		menus:      make(map[int64]int),
		lastAction: make(map[string]time.Time),
	}
}

// Run polls updates until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	log.Info().Str("bot", b.api.Self.UserName).Msg("Bot started")

	var g errgroup.Group
	g.SetLimit(maxConcurrentUpdates)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			g.Go(func() error {
				b.handleUpdate(ctx, update)
				return nil
			})
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("update_id", update.UpdateID).Msg("Update handler panicked")
		}
	}()

	switch {
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func subscriberID(u *tgbotapi.User) string {
	return strconv.FormatInt(u.ID, 10)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	sub := subscriberID(msg.From)
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.handleStart(ctx, chatID, sub, args)
	case "trial":
		b.handleTrial(ctx, chatID, sub)
	case "buy":
		if args == "" {
			b.showRateSelection(chatID)
			return
		}
		fields := strings.Fields(args)
		email := ""
		if len(fields) > 1 {
			addr, err := mail.ParseAddress(fields[1])
			if err != nil {
				b.send(chatID, "❌ Некорректный email для чека.", nil)
				return
			}
			email = addr.Address
		}
		b.handleBuy(ctx, chatID, sub, fields[0], email)
	case "paid":
		b.handlePaid(ctx, chatID, sub, args)
	case "key":
		b.handleKey(ctx, chatID, sub)
	case "referral":
		b.handleReferral(ctx, chatID, sub)
	case "claim":
		b.handleClaim(ctx, chatID, sub)
	case "status":
		b.handleStatus(ctx, chatID, sub)
	case "grant", "revoke":
		b.handleAdmin(ctx, msg)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	chatID := cq.Message.Chat.ID
	sub := subscriberID(cq.From)
	data := cq.Data

	if !b.canProceed(sub, data) {
		b.ack(cq, "Пожалуйста, подождите пару секунд.")
		return
	}
	b.ack(cq, "")

	switch {
	case data == "nav_menu":
		b.showMenu(chatID, composeMenuText())
	case data == "nav_trial":
		b.handleTrial(ctx, chatID, sub)
	case data == "nav_get_vpn" || data == "resend_key":
		b.handleKey(ctx, chatID, sub)
	case data == "nav_topup":
		b.showRateSelection(chatID)
	case data == "nav_status":
		b.handleStatus(ctx, chatID, sub)
	case data == "nav_referral":
		b.handleReferral(ctx, chatID, sub)
	case data == "nav_claim":
		b.handleClaim(ctx, chatID, sub)
	case data == "nav_support":
		b.editMenu(chatID, supportText, singleBackKeyboard())
	case data == "nav_instructions":
		b.editMenu(chatID, "Выберите платформу, для которой нужна инструкция:", instructionsMenuKeyboard())
	case strings.HasPrefix(data, "rate_"):
		b.handleBuy(ctx, chatID, sub, strings.TrimPrefix(data, "rate_"), "")
	case strings.HasPrefix(data, "paid_"):
		b.handlePaid(ctx, chatID, sub, strings.TrimPrefix(data, "paid_"))
	case strings.HasPrefix(data, "inst_"):
		if t, step, ok := instruct.ParseCallbackData(data); ok {
			text, kb := instruct.StepMessage(t, step)
			b.editMenu(chatID, text, kb)
		}
	}
}

func (b *Bot) handleStart(ctx context.Context, chatID int64, sub, args string) {
	code := ""
	if strings.HasPrefix(args, referral.CodePrefix) {
		code = args
	}
	if _, err := b.manager.Touch(ctx, sub, code); err != nil {
		b.replyError(chatID, "start", sub, err)
		return
	}
	b.showMenu(chatID, composeMenuText())
}

func (b *Bot) handleTrial(ctx context.Context, chatID int64, sub string) {
	if _, err := b.manager.Touch(ctx, sub, ""); err != nil {
		b.replyError(chatID, "trial", sub, err)
		return
	}
	b.editMenu(chatID, "Готовим для вас пробный ключ...", singleBackKeyboard())
	issued, err := b.manager.RequestTrial(ctx, sub)
	if err != nil {
		b.replyError(chatID, "trial", sub, err)
		return
	}
	b.sendProfile(chatID, issued, "🎁 <b>Пробный доступ активирован!</b>")
}

// handleBuy creates a payment for planID. A receipt is attached only when the
// subscriber gave an email (/buy <plan> <email>).
func (b *Bot) handleBuy(ctx context.Context, chatID int64, sub, planID, email string) {
	plan, ok := b.cfg.Plan(planID)
	if !ok {
		b.showRateSelection(chatID)
		return
	}
	if _, err := b.manager.Touch(ctx, sub, ""); err != nil {
		b.replyError(chatID, "buy", sub, err)
		return
	}

	payment, err := b.payments.CreatePayment(ctx, yookassa.PaymentRequest{
		SubscriberID: sub,
		PlanID:       plan.ID,
		Amount:       plan.Amount,
		Description:  fmt.Sprintf("HappyCat VPN: %s", plan.Title),
		Email:        email,
	})
	if err != nil {
		log.Error().Err(err).Str("subscriber_id", sub).Str("plan_id", plan.ID).Msg("Payment not created")
		b.editMenu(chatID, "❌ Не удалось сформировать счёт. Попробуйте позже.", singleBackKeyboard())
		return
	}

	text := fmt.Sprintf("💳 Счёт на тариф <b>%s</b> (%.0f ₽) готов.\n\nПосле оплаты нажмите «Я оплатил».",
		html.EscapeString(plan.Title), plan.Amount)
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("💳 Оплатить", payment.ConfirmationURL())),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Я оплатил", "paid_"+payment.ID)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", "nav_menu")),
	)
	b.editMenu(chatID, text, kb)
}

func (b *Bot) handlePaid(ctx context.Context, chatID int64, sub, paymentID string) {
	if paymentID == "" {
		b.send(chatID, "Укажите номер платежа: /paid &lt;id&gt;", nil)
		return
	}
	issued, err := b.manager.RequestPurchaseActivation(ctx, sub, paymentID)
	if err != nil {
		if vpnerrors.KindOf(err) == vpnerrors.KindNotEligible {
			b.send(chatID, "⏳ Платёж ещё не подтверждён. Если вы уже оплатили, подождите 5–10 секунд и попробуйте снова.", nil)
			return
		}
		b.replyError(chatID, "paid", sub, err)
		return
	}
	b.sendProfile(chatID, issued, "✅ <b>Оплата подтверждена, доступ продлён!</b>")
	b.notifyAdmins(fmt.Sprintf("Пользователь id:%s оплатил платёж %s", sub, paymentID))
}

// Deliver sends a credential activated outside a chat (the payment webhook).
func (b *Bot) Deliver(_ context.Context, sub string, issued *issuer.Issued) {
	chatID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		log.Warn().Str("subscriber_id", sub).Msg("Subscriber is not a chat id, profile not delivered")
		return
	}
	b.sendProfile(chatID, issued, "✅ <b>Оплата подтверждена, доступ продлён!</b>")
	b.notifyAdmins(fmt.Sprintf("Пользователь id:%s оплатил доступ", sub))
}

func (b *Bot) handleKey(ctx context.Context, chatID int64, sub string) {
	issued, err := b.manager.GetCurrentCredential(ctx, sub)
	if errors.Is(err, vpnerrors.ErrNotFound) {
		kb := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("🎁 Пробный период", "nav_trial"),
				tgbotapi.NewInlineKeyboardButtonData("💰 Оплатить", "nav_topup"),
			),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", "nav_menu")),
		)
		b.editMenu(chatID, "🔴 Активного доступа нет. Возьмите пробный период или оплатите тариф.", kb)
		return
	}
	if err != nil {
		b.replyError(chatID, "key", sub, err)
		return
	}
	b.sendProfile(chatID, issued, "🔐 <b>Ваша VPN-конфигурация</b>")
}

func (b *Bot) handleReferral(ctx context.Context, chatID int64, sub string) {
	o, err := b.manager.Overview(ctx, sub)
	if err != nil {
		b.replyError(chatID, "referral", sub, err)
		return
	}
	if o.Subscriber == nil {
		b.send(chatID, vpnerrors.UserMessage(vpnerrors.ErrNotFound), nil)
		return
	}

	link := fmt.Sprintf("https://t.me/%s?start=%s%s", b.api.Self.UserName, referral.CodePrefix, o.Subscriber.ReferralCode)
	days := int(b.cfg.Lifecycle.RewardUnit.Hours() / 24)
	text := fmt.Sprintf(`🔗 <b>Ваша реферальная ссылка:</b>
<code>%s</code>

📊 <b>Статистика:</b>
• Приглашено: %d
• Бонусы начислены: %d
• Ожидают начисления: %d

💡 За каждого приглашённого вы получаете <b>%d дней</b>.`, link, o.Referrals.Invited, o.Referrals.Claimed, o.Referrals.Pending, days)

	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🎁 Забрать бонус", "nav_claim")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", "nav_menu")),
	)
	b.editMenu(chatID, text, kb)
}

func (b *Bot) handleClaim(ctx context.Context, chatID int64, sub string) {
	summary, err := b.manager.RequestReferralClaim(ctx, sub)
	if err != nil {
		b.replyError(chatID, "claim", sub, err)
		return
	}
	text := fmt.Sprintf("🎉 Начислено <b>%d дн.</b> за %d приглашений.", int(summary.Added.Hours()/24), summary.Units)
	if !summary.ExpiresAt.IsZero() {
		text += fmt.Sprintf("\nДоступ активен до <b>%s</b>.", summary.ExpiresAt.Format("02.01.2006 15:04"))
	}
	b.editMenu(chatID, text, singleBackKeyboard())
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64, sub string) {
	o, err := b.manager.Overview(ctx, sub)
	if err != nil {
		b.replyError(chatID, "status", sub, err)
		return
	}
	b.editMenu(chatID, statusText(o, time.Now()), singleBackKeyboard())
}

func statusText(o *lifecycle.Overview, now time.Time) string {
	if o.Current == nil {
		hint := "💡 Оплатите тариф, чтобы пользоваться VPN."
		if o.State == models.StateTrialEligible || o.State == models.StateAnonymous {
			hint = "💡 Вам доступен бесплатный пробный период: /trial"
		}
		return "🔒 <b>Статус подписки:</b>\n<b>└ 🔴 Неактивна</b>\n" + hint
	}
	left := o.Current.ExpiresAt.Sub(now)
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf(`🔒 <b>Статус подписки:</b>
<b>├ 🟢 Активна</b> (%s)
<b>├ 📅 До:</b> %s
<b>└ ⏳ Осталось дней:</b> %d
────────────────────────
✅ VPN работает!`, kindTitle(o.Current.Kind), o.Current.ExpiresAt.Format("02.01.2006 15:04"), int(left.Hours()/24))
}

func kindTitle(k models.CredentialKind) string {
	switch k {
	case models.KindTrial:
		return "пробный период"
	case models.KindReferralBonus:
		return "бонус за приглашения"
	case models.KindAdminGrant:
		return "подарок"
	}
	return "оплачено"
}

func (b *Bot) handleAdmin(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.cfg.IsAdmin(msg.From.ID) {
		return
	}
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "grant":
		if len(args) != 2 {
			b.send(chatID, "Использование: /grant &lt;subscriber&gt; &lt;days&gt;", nil)
			return
		}
		days, err := strconv.Atoi(args[1])
		if err != nil {
			b.send(chatID, "Количество дней должно быть числом.", nil)
			return
		}
		issued, err := b.manager.AdminGrant(ctx, args[0], days)
		if err != nil {
			b.send(chatID, "❌ "+html.EscapeString(err.Error()), nil)
			return
		}
		b.send(chatID, fmt.Sprintf("✅ Выдан ключ <code>%s</code> до %s", issued.Credential.ID, issued.Credential.ExpiresAt.Format(time.RFC3339)), nil)
	case "revoke":
		if len(args) != 1 {
			b.send(chatID, "Использование: /revoke &lt;credential&gt;", nil)
			return
		}
		changed, err := b.manager.AdminRevoke(ctx, args[0])
		if err != nil {
			b.send(chatID, "❌ "+html.EscapeString(err.Error()), nil)
			return
		}
		if changed {
			b.send(chatID, "✅ Ключ отозван.", nil)
		} else {
			b.send(chatID, "Ключ уже был отозван.", nil)
		}
	}
}

func (b *Bot) sendProfile(chatID int64, issued *issuer.Issued, title string) {
	if len(issued.Profile) == 0 {
		b.editMenu(chatID, "❌ Не удалось подготовить конфигурацию. Обратитесь в поддержку.", singleBackKeyboard())
		return
	}
	caption := fmt.Sprintf("%s\n\n📅 Действует до: <b>%s</b>\n\n💡 Импортируйте файл в OpenVPN. Инструкции — в меню «📚 Инструкции».",
		title, issued.Credential.ExpiresAt.Format("02.01.2006 15:04"))

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  instruct.FileName(issued.Credential.ID),
		Bytes: issued.Profile,
	})
	doc.Caption = caption
	doc.ParseMode = parseHTML
	doc.ReplyMarkup = singleBackKeyboard()
	if _, err := b.api.Send(doc); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Profile not sent")
		return
	}

	if len(issued.QR) > 0 {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "profile.png", Bytes: issued.QR})
		photo.Caption = "📱 Или отсканируйте QR-код в OpenVPN Connect"
		if _, err := b.api.Send(photo); err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("QR code not sent")
		}
	}

	// The document replaces the menu; the next menu starts a new message.
	b.mu.Lock()
	delete(b.menus, chatID)
	b.mu.Unlock()
}

func (b *Bot) replyError(chatID int64, op, sub string, err error) {
	logger := log.Warn()
	if vpnerrors.KindOf(err) == "" {
		logger = log.Error()
	}
	logger.Err(err).Str("op", op).Str("subscriber_id", sub).Msg("Request failed")
	b.editMenu(chatID, vpnerrors.UserMessage(err), singleBackKeyboard())
}

func (b *Bot) showMenu(chatID int64, text string) {
	b.editMenu(chatID, text, mainMenuInlineKeyboard(b.cfg.PrivacyURL))
}

func (b *Bot) showRateSelection(chatID int64) {
	var lines []string
	for _, p := range b.cfg.Plans {
		lines = append(lines, fmt.Sprintf("%.0f₽→%dд.", p.Amount, p.Days))
	}
	text := "💰 <b>Выберите тариф:</b>\n\n" + strings.Join(lines, "\n") +
		"\n\n⚡️ <i>Чем дольше период — тем выгоднее!</i>"
	b.editMenu(chatID, text, rateSelectionKeyboard(b.cfg.Plans))
}

// editMenu edits the chat's live menu message in place, or sends a new one
// when there is nothing to edit.
func (b *Bot) editMenu(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	b.mu.Lock()
	messageID := b.menus[chatID]
	b.mu.Unlock()

	if messageID != 0 {
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, kb)
		edit.ParseMode = parseHTML
		edit.DisableWebPagePreview = true
		if _, err := b.api.Send(edit); err == nil {
			return
		}
	}
	b.send(chatID, text, &kb)
}

func (b *Bot) send(chatID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseHTML
	msg.DisableWebPagePreview = true
	if kb != nil {
		msg.ReplyMarkup = *kb
	}
	sent, err := b.api.Send(msg)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Message not sent")
		return
	}
	if kb != nil {
		b.mu.Lock()
		b.menus[chatID] = sent.MessageID
		b.mu.Unlock()
	}
}

func (b *Bot) ack(cq *tgbotapi.CallbackQuery, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, text)); err != nil {
		log.Debug().Err(err).Msg("Callback not acknowledged")
	}
}

func (b *Bot) notifyAdmins(text string) {
	for _, id := range b.cfg.AdminIDs {
		msg := tgbotapi.NewMessage(id, html.EscapeString(text))
		msg.ParseMode = parseHTML
		if _, err := b.api.Send(msg); err != nil {
			log.Warn().Err(err).Int64("chat_id", id).Msg("Admin not notified")
		}
	}
}

// canProceed rate-limits repeated presses of the same button.
func (b *Bot) canProceed(sub, action string) bool {
	key := sub + "|" + action
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.lastAction[key]; ok && now.Sub(t) < actionCooldown {
		return false
	}
	for k, t := range b.lastAction {
		if now.Sub(t) >= actionCooldown {
			delete(b.lastAction, k)
		}
	}
	b.lastAction[key] = now
	return true
}

func composeMenuText() string {
	return startText + "\n\n<b>Выберите нужный раздел ниже:</b>"
}

func mainMenuInlineKeyboard(privacyURL string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔐 Подключить VPN", "nav_get_vpn"),
			tgbotapi.NewInlineKeyboardButtonData("💰 Оплатить", "nav_topup"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👤 Профиль", "nav_status"),
			tgbotapi.NewInlineKeyboardButtonData("🎁 Пригласить друга", "nav_referral"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🆓 Пробный период", "nav_trial"),
			tgbotapi.NewInlineKeyboardButtonData("📚 Инструкции", "nav_instructions"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🆘 Поддержка", "nav_support"),
			tgbotapi.NewInlineKeyboardButtonURL("📄 Политика", privacyURL),
		),
	)
}

func instructionsMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💻 Windows", instruct.CallbackData(instruct.Windows, 0)),
			tgbotapi.NewInlineKeyboardButtonData("📱 Android", instruct.CallbackData(instruct.Android, 0)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🍎 iOS", instruct.CallbackData(instruct.IOS, 0)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", "nav_menu"),
		),
	)
}

func singleBackKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", "nav_menu"),
		),
	)
}

func rateSelectionKeyboard(plans []config.RatePlan) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, plan := range plans {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%.0f ₽", plan.Amount), "rate_"+plan.ID))
		// three buttons per row
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", "nav_menu"),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
