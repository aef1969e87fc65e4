package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sourpls22-ux/MiraVPN/internal/models"
	"github.com/sourpls22-ux/MiraVPN/internal/service"
)

const dateLayout = "02.01.2006"

func statusEmoji(s models.PanelStatus) string {
	switch s {
	case models.PanelStatusActive:
		return "✅"
	case models.PanelStatusExpired:
		return "⏰"
	case models.PanelStatusLimited:
		return "📊"
	case models.PanelStatusDisabled:
		return "❌"
	case models.PanelStatusOnHold:
		return "⏸"
	default:
		return "❓"
	}
}

func formatUsage(acc models.PanelAccount) string {
	limit := "∞"
	if gb := acc.LimitGB(); gb != nil {
		limit = fmt.Sprintf("%.2f", *gb)
	}
	return fmt.Sprintf("%.2f GB / %s GB", acc.UsedGB(), limit)
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "Бессрочно"
	}
	return "до " + t.Format(dateLayout)
}

func formatPrice(minor int64, currency string) string {
	if minor%100 == 0 {
		return fmt.Sprintf("%d %s", minor/100, currency)
	}
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, currency)
}

func formatTariffName(t models.TariffTag) string {
	switch t {
	case models.TariffFree:
		return "Бесплатный (сниженная скорость)"
	default:
		return "Базовый"
	}
}

func formatAccountStatus(st *service.AccountStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Ваш VPN</b>\n\n")
	fmt.Fprintf(&b, "Тариф: %s\n", formatTariffName(st.Account.Tariff))
	fmt.Fprintf(&b, "Статус: %s %s\n", statusEmoji(st.Remote.Status), st.Remote.Status)
	fmt.Fprintf(&b, "Использовано: %s\n", formatUsage(st.Remote))
	fmt.Fprintf(&b, "Срок действия: %s", formatExpiry(st.Remote.ExpiresAt))
	if st.Account.FreeMode && st.Account.FreeModeUntil != nil {
		fmt.Fprintf(&b, "\nБесплатный режим до %s", st.Account.FreeModeUntil.Format(dateLayout))
	}
	return b.String()
}

func formatKeyStats(acc *models.PanelAccount) string {
	return fmt.Sprintf(
		"📊 <b>Статистика пользователя %s:</b>\n\nСтатус: %s\nИспользовано: %s\nСрок действия: %s",
		html.EscapeString(acc.Username), acc.Status, formatUsage(*acc), formatExpiry(acc.ExpiresAt),
	)
}

func formatKeyList(keys []models.PanelAccount, shown int) string {
	if len(keys) == 0 {
		return "📭 Ключей пока нет."
	}
	var b strings.Builder
	b.WriteString("📋 <b>Список ключей:</b>\n\n")
	for i, k := range keys {
		if shown > 0 && i == shown {
			fmt.Fprintf(&b, "… и ещё %d", len(keys)-shown)
			break
		}
		fmt.Fprintf(&b, "%s <code>%s</code>\n   Статус: %s\n   Использовано: %s\n\n",
			statusEmoji(k.Status), html.EscapeString(k.Username), k.Status, formatUsage(k))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatTariffs(c service.TariffCatalog) string {
	return fmt.Sprintf(
		"💳 <b>Тарифы</b>\n\n"+
			"Базовый: %d GB на %d дней за %s\n"+
			"Дополнительно: +%d GB за %s\n"+
			"Бесплатный режим: без лимита трафика, скорость до %d Мбит/с до конца месяца",
		c.Base.GB, c.Base.Days, formatPrice(c.Base.PriceMinor, c.Currency),
		c.Extra.GB, formatPrice(c.Extra.PriceMinor, c.Currency),
		c.FreeMode.SpeedMbps,
	)
}

func formatTransactionKind(k models.TransactionKind) string {
	switch k {
	case models.TransactionBaseTariff:
		return "Базовый тариф"
	case models.TransactionExtraGB:
		return "Дополнительный трафик"
	default:
		return string(k)
	}
}

func formatHistory(txs []models.Transaction, currency string) string {
	if len(txs) == 0 {
		return "🧾 Операций пока нет."
	}
	var b strings.Builder
	b.WriteString("🧾 <b>История операций</b>\n\n")
	for _, tx := range txs {
		fmt.Fprintf(&b, "%s · %s · %s\n",
			tx.CreatedAt.Format(dateLayout), formatTransactionKind(tx.Kind), formatPrice(tx.AmountMinor, currency))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatConfig(title, cfg string) string {
	return fmt.Sprintf("📥 <b>%s</b>\n\n<code>%s</code>", html.EscapeString(title), html.EscapeString(cfg))
}

func formatLimitReached(remote models.PanelAccount, c service.TariffCatalog) string {
	return fmt.Sprintf(
		"⚠️ <b>Трафик закончился</b>\n\n"+
			"Использовано: %s\n\n"+
			"Купите ещё %d GB за %s или включите бесплатный режим со скоростью до %d Мбит/с до конца месяца.",
		formatUsage(remote), c.Extra.GB, formatPrice(c.Extra.PriceMinor, c.Currency), c.FreeMode.SpeedMbps,
	)
}

const userHelpText = "ℹ️ <b>Помощь</b>\n\n" +
	"/get - получить VPN\n" +
	"/status - статус подписки\n" +
	"/myconfig - конфигурация\n" +
	"/buy - купить дополнительный трафик\n" +
	"/free - бесплатный режим\n" +
	"/history - история операций\n" +
	"/tariffs - тарифы"

const adminHelpText = userHelpText + "\n\n<b>Администратор:</b>\n" +
	"/create &lt;имя&gt; - быстрое создание ключа\n" +
	"/list - список ключей\n" +
	"/config &lt;имя&gt; - конфигурация ключа\n" +
	"/stats &lt;имя&gt; - статистика ключа\n" +
	"/delete &lt;имя&gt; - удалить ключ\n" +
	"/reset &lt;имя&gt; - сбросить трафик\n" +
	"/cancel - отменить текущую операцию"
