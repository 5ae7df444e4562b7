package main

import (
	"VPN-Reseller-bot/config"
	"VPN-Reseller-bot/internal/admin"
	"VPN-Reseller-bot/internal/bot"
	"VPN-Reseller-bot/internal/broadcast"
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/ledger"
	"VPN-Reseller-bot/internal/logger"
	"VPN-Reseller-bot/internal/monitor"
	"VPN-Reseller-bot/internal/payment"
	"VPN-Reseller-bot/internal/purchase"
	"VPN-Reseller-bot/internal/services"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg := config.AppCfg

	zl, err := logger.New(cfg.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("bot stopped", zap.Error(err))
	}
	zl.Info("bot stopped")
}

func openStore(cfg config.AppConfig, zl *zap.Logger) (*db.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := db.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		zl.Info("store: postgres")
		return db.Open(pg), func() { pg.Close() }, nil
	}
	fb, err := db.NewFileBackend(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	zl.Info("store: files", zap.String("dir", cfg.DataDir))
	return db.Open(fb), func() {}, nil
}

func run(ctx context.Context, cfg config.AppConfig, zl *zap.Logger) error {
	store, closeStore, err := openStore(cfg, zl)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	if err := store.CheckPlans(); err != nil {
		return err
	}

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	transport := chat.NewTelegram(botapi)
	notifier := logger.NewNotifier(transport, cfg.AdminUserIDs, zl)
	if len(cfg.AdminUserIDs) == 0 {
		zl.Warn("ADMIN_USER_IDS is empty; alerts and card approvals have no recipient")
	}

	// one budget for every outbound API call
	global := rate.NewLimiter(20, 20)
	vpn := vpnapi.New(cfg.VPNAPIBaseURL, cfg.VPNAPIToken, zl.Named("vpnapi"), vpnapi.WithGlobalLimiter(global))

	var gateway purchase.Gateway
	lifetime := time.Hour
	if cfg.CryptoEnabled() {
		gateway = payment.New(cfg.PaymentAPIBaseURL, cfg.PaymentMerchantID, cfg.PaymentAPIKey, zl.Named("payment"),
			payment.WithGlobalLimiter(global),
			payment.WithURLs(cfg.PaymentCallbackURL, cfg.PaymentReturnURL),
			payment.WithLifetime(lifetime))
	} else {
		zl.Warn("crypto payments disabled: PAYMENT_MERCHANT_ID or PAYMENT_API_KEY not set")
	}

	l := ledger.New(store, ledger.Options{
		Thresholds: ledger.Thresholds{
			Warning:          cfg.DebtWarningThreshold,
			Suspend:          cfg.DebtSuspendThreshold,
			ReminderInterval: cfg.DebtReminderInterval,
		},
		DiscountPercent: cfg.ResellerDiscountPct,
		ReferralPercent: cfg.ReferralRewardPercent,
	}, zl.Named("ledger"))

	coord := purchase.New(purchase.Config{
		Currency:          cfg.PaymentCurrency,
		MaxActiveInvoices: cfg.MaxActiveInvoicesPerUser,
		InvoiceLifetime:   lifetime,
		ReceiptDir:        filepath.Join(cfg.DataDir, "receipts", "payments"),
		CardMode:          cfg.CardPaymentMode,
		CardNumber:        cfg.CardNumber,
		CardHolder:        cfg.CardHolder,
		CardRate:          cfg.CardExchangeRate,
	}, store, l, vpn, gateway, transport, notifier, zl.Named("purchase"))
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Wait()

	engine := broadcast.New(vpn, store, transport, zl.Named("broadcast"))
	backups := admin.NewBackuper(cfg.DataDir, cfg.DatabaseURL, cfg.BackupDir, transport, cfg.AdminUserIDs, zl.Named("backup"))
	nodes := services.NewNodeProber(store, notifier, zl.Named("nodes"))

	sched := monitor.NewScheduler(cfg.LockDir, zl.Named("monitor"))
	sched.OnPanic(func(where string) {
		notifier.Alert(context.Background(), "Panic in scheduled job %s", where)
	})
	jobs := []struct {
		name string
		job  monitor.Job
	}{
		{"traffic", monitor.NewTrafficMonitor(vpn, store, transport, zl.Named("traffic")).Run},
		{"expiry", monitor.NewExpiryEnforcer(vpn, store, transport, zl.Named("expiry")).Run},
		{"debt", monitor.NewDebtReconciler(l, store, transport, notifier, zl.Named("debt")).Run},
		{"reconcile", monitor.ReconcilePending(coord, zl.Named("reconcile"))},
		{"nodes", nodes.Run},
	}
	for _, j := range jobs {
		if err := sched.Every(cfg.MonitorInterval, j.name, j.job); err != nil {
			return err
		}
	}
	if cfg.BackupInterval > 0 {
		if err := sched.Every(cfg.BackupInterval, "backup", backups.Run); err != nil {
			return err
		}
	} else {
		zl.Info("automatic backups disabled")
	}
	sched.Start()
	defer sched.Stop()

	srv := services.NewServer(cfg.WebhookListenAddr, cfg.WebhookPath, coord, notifier, zl.Named("webhook"))
	go func() {
		zl.Info("webhook server listening", zap.String("addr", cfg.WebhookListenAddr), zap.String("path", cfg.WebhookPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			notifier.Alert(context.Background(), "Webhook server error: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zl.Warn("webhook shutdown", zap.Error(err))
		}
	}()

	b := bot.New(bot.Config{Username: botapi.Self.UserName}, bot.Deps{
		Store:       store,
		Transport:   transport,
		Coordinator: coord,
		Ledger:      l,
		VPN:         vpn,
		Broadcast:   engine,
		Backups:     backups,
		Nodes:       nodes,
		Notifier:    notifier,
		Log:         zl.Named("bot"),
	})
	notifier.NotifyAdmins(ctx, "✅ Bot started", nil)
	b.Poll(ctx, botapi)
	return nil
}
