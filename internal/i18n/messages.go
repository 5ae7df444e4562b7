package i18n

var en = map[string]string{
	"btn.buy":      "🛒 Buy VPN",
	"btn.configs":  "📱 My configs",
	"btn.trial":    "🎁 Free trial",
	"btn.referral": "👥 Referrals",
	"btn.language": "🌐 Language",
	"btn.reseller": "💼 Reseller",
	"btn.admin":    "🛠 Admin panel",
	"btn.cancel":   "❌ Cancel",

	"inline.confirm":  "✅ Confirm",
	"inline.cancel":   "❌ Cancel",
	"inline.crypto":   "💎 Crypto",
	"inline.card":     "💳 Card transfer",
	"inline.pay":      "💰 Pay",
	"inline.check":    "🔄 Check status",
	"inline.continue": "➡️ Continue",
	"inline.qr":       "🔗 %s",

	"welcome":       "Welcome! Pick an action from the menu below.",
	"menu":          "Main menu.",
	"cancelled":     "Cancelled.",
	"slow_down":     "Please slow down and try again in a few seconds.",
	"unknown":       "Unknown command. Use the menu below.",
	"error":         "Something went wrong. Please try again later.",
	"unavailable":   "The service is temporarily unavailable. Admins have been notified.",
	"session_ended": "This action has expired. Start again from the menu.",

	"plans.title":     "Choose a plan:",
	"plans.empty":     "No plans are available right now.",
	"plans.item":      "%d GB · %d days · $%s",
	"plans.unlimited": "%d GB · %d days · $%s · ♾ devices",
	"confirm.plan":    "Plan: %d GB for %d days.\nPrice: $%s\n\nConfirm the purchase?",
	"method.choose":   "Choose a payment method:",
	"method.none":     "Payments are temporarily unavailable.",

	"invoice.created":   "Invoice for $%s created.\nPay within %d minutes using the button below. Your config is delivered automatically after payment.",
	"invoice.reused":    "You already have an open invoice for this plan. Pay it or check its status.",
	"invoice.throttled": "You have too many open invoices. Pay one of them or wait until they expire.",

	"status.pending":          "Payment not received yet.",
	"status.pending_approval": "Your receipt is being reviewed.",
	"status.completed":        "Payment received. Your config has been delivered.",
	"status.failed":           "The payment failed.",
	"status.rejected":         "The payment was rejected.",
	"status.expired":          "The invoice has expired.",
	"status.unknown":          "Payment not found.",

	"card.instructions": "Transfer %s to the card:\n%s\n%s\n\nThen send a photo of the receipt to this chat.",
	"card.not_allowed":  "Card payments are available to existing customers only.",
	"receipt.expected":  "Please send the receipt as a photo.",
	"receipt.received":  "Receipt received. An admin will confirm your payment shortly.",
	"card.rejected":     "Your card payment was rejected. Contact support if you think this is a mistake.",

	"delivery.caption": "✅ Your VPN config is ready!\nName: %s\nTraffic: %d GB\nDays: %d\n\nSubscription link:\n%s",
	"delivery.failed":  "We are sorry, your config could not be created. Admins have been notified and will contact you.",

	"configs.empty":     "You have no configs yet.",
	"configs.title":     "Your configs:",
	"configs.item":      "👤 %s\n📊 %s of %s\n📅 %s",
	"configs.until":     "until %s",
	"configs.unlimited": "unlimited",
	"configs.on_hold":   "starts on first connection",
	"configs.blocked":   "⛔ disabled",

	"trial.used":    "You have already used your free trial.",
	"trial.caption": "🎁 Your free trial is ready!\nName: %s\nTraffic: %d GB\nDays: %d\n\nSubscription link:\n%s",

	"referral.info":       "Your referral link:\n%s\n\nInvited: %d\nEarned: $%s\nAvailable: $%s\n\nYou get %d%% of every purchase of the people you invite.",
	"referral.registered": "You joined through a referral link. Welcome!",

	"language.choose": "Choose a language:",
	"language.set":    "Language updated.",

	"alert.traffic": "⚠️ Config %s has used %d%% of its traffic.",
	"alert.days":    "⚠️ Config %s has used %d%% of its days.",
	"alert.expired": "Config %s has expired and was disabled. You can buy a new plan from the menu.",

	"reseller.offer":        "Become a reseller: create configs for your clients at a %d%% discount and pay later.",
	"reseller.apply":        "📝 Apply",
	"reseller.requested":    "Your request was sent. Wait for admin approval.",
	"reseller.pending":      "Your request is being reviewed.",
	"reseller.need_paid":    "You need an active paid subscription to apply.",
	"reseller.denied":       "Reseller access is not available for you.",
	"reseller.menu":         "💼 Reseller panel\nDebt: $%s (%s)",
	"reseller.gen":          "➕ New client config",
	"reseller.debt_btn":     "💳 Debt",
	"reseller.stats_btn":    "📊 Statistics",
	"reseller.settle_btn":   "💸 Pay debt",
	"reseller.suspended":    "Credit is suspended: your debt is $%s. Pay at least $%s to unlock.",
	"reseller.plans":        "Choose a plan for your client (reseller prices):",
	"reseller.confirm_debt": "Your debt will become $%s (%s). Continue?",
	"reseller.created":      "Client config created. Your debt is now $%s.",
	"reseller.debt":         "Debt: $%s\nState: %s\nAmount to unlock: $%s",
	"reseller.no_debt":      "You have no debt.",
	"reseller.settle_ask":   "Send the amount in USD you want to pay (up to $%s).",
	"reseller.bad_amount":   "Enter a positive amount not larger than your debt.",
	"reseller.stats":        "Configs: %d\nTotal value: $%s\nPaid: $%s\nCurrent debt: $%s",
	"reseller.settled":      "Payment of $%s received. Your debt is now $%s.",
	"reseller.status":       "Your reseller status is now: %s",
	"reseller.reminder":     "Reminder: your reseller debt is $%s (%s). Pay at least $%s to keep creating configs.",
}

var ru = map[string]string{
	"btn.buy":      "🛒 Купить VPN",
	"btn.configs":  "📱 Мои конфиги",
	"btn.trial":    "🎁 Тестовый доступ",
	"btn.referral": "👥 Рефералы",
	"btn.language": "🌐 Язык",
	"btn.reseller": "💼 Реселлер",
	"btn.admin":    "🛠 Админ-панель",
	"btn.cancel":   "❌ Отмена",

	"inline.confirm":  "✅ Подтвердить",
	"inline.cancel":   "❌ Отмена",
	"inline.crypto":   "💎 Криптовалюта",
	"inline.card":     "💳 Перевод на карту",
	"inline.pay":      "💰 Оплатить",
	"inline.check":    "🔄 Проверить оплату",
	"inline.continue": "➡️ Продолжить",

	"welcome":       "Добро пожаловать! Выберите действие в меню ниже.",
	"menu":          "Главное меню.",
	"cancelled":     "Отменено.",
	"slow_down":     "Пожалуйста, не так быстро! Подождите пару секунд...",
	"unknown":       "Неизвестная команда. Воспользуйтесь меню.",
	"error":         "Что-то пошло не так. Попробуйте позже.",
	"unavailable":   "Сервис временно недоступен. Администраторы уже уведомлены.",
	"session_ended": "Время действия истекло. Начните заново из меню.",

	"plans.title":   "Выберите тариф:",
	"plans.empty":   "Сейчас нет доступных тарифов.",
	"plans.item":    "%d ГБ · %d дн. · $%s",
	"confirm.plan":  "Тариф: %d ГБ на %d дн.\nЦена: $%s\n\nПодтвердить покупку?",
	"method.choose": "Выберите способ оплаты:",
	"method.none":   "Оплата временно недоступна.",

	"invoice.created":   "Счёт на $%s создан.\nОплатите в течение %d минут по кнопке ниже. Конфиг придёт автоматически после оплаты.",
	"invoice.reused":    "У вас уже есть открытый счёт на этот тариф. Оплатите его или проверьте статус.",
	"invoice.throttled": "Слишком много открытых счетов. Оплатите один из них или дождитесь их истечения.",

	"status.pending":   "Оплата ещё не поступила.",
	"status.completed": "Оплата получена. Конфиг отправлен.",
	"status.expired":   "Срок действия счёта истёк.",

	"receipt.expected": "Пожалуйста, отправьте чек фотографией.",
	"receipt.received": "Чек получен. Администратор скоро подтвердит оплату.",

	"delivery.caption": "✅ Ваш VPN-конфиг готов!\nИмя: %s\nТрафик: %d ГБ\nДней: %d\n\nСсылка подписки:\n%s",
	"delivery.failed":  "Извините, не удалось создать конфиг. Администраторы уведомлены и свяжутся с вами.",

	"configs.empty": "У вас пока нет конфигов.",
	"configs.title": "Ваши конфиги:",

	"trial.used": "Вы уже использовали тестовый доступ.",

	"language.choose": "Выберите язык:",
	"language.set":    "Язык обновлён.",

	"alert.traffic": "⚠️ Конфиг %s израсходовал %d%% трафика.",
	"alert.days":    "⚠️ Конфиг %s использовал %d%% дней.",
	"alert.expired": "Срок действия конфига %s истёк, он отключён. Новый тариф можно купить в меню.",

	"reseller.requested": "Заявка отправлена. Дождитесь одобрения администратора.",
	"reseller.suspended": "Кредит приостановлен: долг $%s. Оплатите не менее $%s для разблокировки.",
	"reseller.reminder":  "Напоминание: ваш долг реселлера $%s (%s). Оплатите не менее $%s, чтобы продолжить создавать конфиги.",
}
