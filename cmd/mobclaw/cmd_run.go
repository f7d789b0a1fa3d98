// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zhaopengme/mobclaw/pkg/bot"
	"github.com/zhaopengme/mobclaw/pkg/config"
	"github.com/zhaopengme/mobclaw/pkg/datastore"
	"github.com/zhaopengme/mobclaw/pkg/events"
	"github.com/zhaopengme/mobclaw/pkg/heartbeat"
	"github.com/zhaopengme/mobclaw/pkg/httpapi"
	"github.com/zhaopengme/mobclaw/pkg/ledger"
	"github.com/zhaopengme/mobclaw/pkg/logger"
	"github.com/zhaopengme/mobclaw/pkg/message"
	"github.com/zhaopengme/mobclaw/pkg/payments"
	"github.com/zhaopengme/mobclaw/pkg/pmap"
	"github.com/zhaopengme/mobclaw/pkg/signal"
)

func runCmd() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(level)

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fmt.Printf("Cannot create state dir %s: %v\n", cfg.StateDir, err)
		os.Exit(1)
	}

	// Account datastore. Fleet deployments point DATABASE_URL at the
	// shared Postgres store, which lives outside this binary; everything
	// else gets the bundled local store.
	if cfg.DatabaseURL != "" {
		logger.WarnC("main", "DATABASE_URL set but this build only bundles the local store; using it anyway")
	}
	store, err := datastore.OpenPebble(filepath.Join(cfg.StateDir, "accounts"))
	if err != nil {
		fmt.Printf("Cannot open account store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	manager := datastore.NewManager(store, cfg.BotNumber, cfg.NodeName, cfg.StateDir)

	sess := signal.NewSession(cfg, manager)
	b := bot.NewBot(cfg, sess)

	wallet := payments.NewWallet(cfg.FullServiceURL)
	price := payments.NewPriceCache(cfg.MobRateURL)
	led, err := ledger.Open(filepath.Join(cfg.StateDir, "ledger.db"))
	if err != nil {
		fmt.Printf("Cannot open ledger: %v\n", err)
		os.Exit(1)
	}
	defer led.Close()

	pay := payments.NewPayBot(wallet, sess, led, price)
	pay.SetNotifyAdmin(b.NotifyAdmin)
	pay.SetResponse(pay.RefundResponse)
	b.SetPaymentHandler(func(ctx context.Context, msg *message.Message) {
		if err := pay.HandlePayment(ctx, msg); err != nil {
			logger.ErrorCF("main", "Inbound payment failed", map[string]interface{}{
				"from": msg.SenderID(), "error": err.Error(),
			})
		}
	})

	publisher := events.Noop()
	if cfg.AMQPUrl != "" {
		publisher, err = events.New(cfg.AMQPUrl, cfg.AMQPExchange, cfg.NodeName)
		if err != nil {
			fmt.Printf("Cannot connect to AMQP broker: %v\n", err)
			os.Exit(1)
		}
	}
	defer publisher.Close()
	pay.SetOnEvent(func(event, who string, amountPmob int64) {
		key := map[string]string{
			"payment_received": events.KeyPaymentReceived,
			"payment_sent":     events.KeyPaymentSent,
			"payment_refunded": events.KeyPaymentRefunded,
		}[event]
		if key == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := publisher.Publish(ctx, key, events.PaymentEvent{
			Counterparty: who, AmountPmob: amountPmob,
		}); err != nil {
			logger.WarnC("main", "Event publish failed: "+err.Error())
		}
	})
	b.OnNotice(func(text string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := publisher.Publish(ctx, events.KeyAdminNotice, events.NoticeEvent{Text: text}); err != nil {
			logger.WarnC("main", "Event publish failed: "+err.Error())
		}
	})

	notes, err := openNotes(cfg)
	if err != nil {
		logger.WarnC("main", "Persistent notes disabled: "+err.Error())
	} else {
		registerNoteCommands(b, notes)
	}
	registerWalletCommands(b, wallet, pay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := httpapi.NewServer(cfg, b, sess)
	go func() {
		if err := api.ListenAndServe(); err != nil {
			logger.ErrorC("main", "HTTP surface died: "+err.Error())
		}
	}()

	hb := heartbeat.NewService()
	mustAdd := func(job heartbeat.Job) {
		if err := hb.Add(job); err != nil {
			fmt.Printf("Bad heartbeat job: %v\n", err)
			os.Exit(1)
		}
	}
	mustAdd(heartbeat.Job{Name: "datastore-sweep", Cron: "5 * * * *", Run: func(ctx context.Context) error {
		freed, err := manager.Sweep(ctx)
		if freed > 0 {
			logger.InfoCF("main", "Freed stale datastore claims", map[string]interface{}{"count": freed})
		}
		return err
	}})
	mustAdd(heartbeat.Job{Name: "pending-sweep", Cron: "*/10 * * * *", Run: func(context.Context) error {
		if evicted := sess.SweepPending(); evicted > 0 {
			logger.WarnCF("main", "Evicted stale pending requests", map[string]interface{}{"count": evicted})
		}
		return nil
	}})
	mustAdd(heartbeat.Job{Name: "price-refresh", Cron: "30 * * * *", Run: func(context.Context) error {
		price.Refresh()
		return nil
	}})
	hb.Start(ctx)
	hb.Kick(ctx)

	sess.HandleSigint(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		_ = api.Shutdown(shutdownCtx)
		sess.Shutdown(shutdownCtx)
		cancel()
	})

	go b.Run(ctx, sess.Inbox)
	go advertisePaymentAddress(sess, wallet)

	if err := sess.Start(ctx); err != nil {
		logger.ErrorC("main", "Session ended: "+err.Error())
		os.Exit(1)
	}
	b.Wait()
}

// advertisePaymentAddress publishes the wallet's main address on the bot's
// Signal profile so correspondents can pay it.
func advertisePaymentAddress(sess *signal.Session, wallet *payments.Wallet) {
	b58, err := wallet.MainAddress()
	if err != nil {
		logger.WarnC("main", "Not advertising a payment address: "+err.Error())
		return
	}
	raw, err := payments.PublicAddressFromB58(b58)
	if err != nil {
		logger.WarnC("main", "Wallet main address is not printable b58: "+err.Error())
		return
	}
	sess.SetProfile(signal.ProfileOpts{
		PaymentAddress: base64.StdEncoding.EncodeToString(raw),
	})
}

func openNotes(cfg *config.Config) (*pmap.Map, error) {
	if cfg.AESKey == "" {
		return nil, fmt.Errorf("AESKEY unset")
	}
	var backend pmap.Backend
	if cfg.KVURL != "" {
		backend = pmap.NewHTTPBackend(cfg.KVURL)
	} else {
		local, err := pmap.OpenPebbleBackend(filepath.Join(cfg.StateDir, "pmap"))
		if err != nil {
			return nil, err
		}
		backend = local
	}
	return pmap.New(backend, "notes", cfg.AESKey, cfg.Salt)
}

// registerNoteCommands adds per-correspondent persistent notes on top of
// the pmap.
func registerNoteCommands(b *bot.Bot, notes *pmap.Map) {
	noteKey := func(msg *message.Message, name string) string {
		return msg.SenderID() + "/" + strings.ToLower(name)
	}

	b.Register(bot.Command{
		Name: "note", Doc: "stores a note: /note <name> <text>",
		Handler: func(_ context.Context, msg *message.Message) (bot.Response, error) {
			name, text := msg.Arg(1), msg.ArgsAfter(1)
			if name == "" || text == "" {
				return "Usage: /note <name> <text>", nil
			}
			if err := notes.Set(noteKey(msg, name), text); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Noted %q.", name), nil
		},
	})
	b.Register(bot.Command{
		Name: "recall", Doc: "reads a note back: /recall <name>",
		Handler: func(_ context.Context, msg *message.Message) (bot.Response, error) {
			name := msg.Arg(1)
			if name == "" {
				keys, err := notes.Keys()
				if err != nil {
					return nil, err
				}
				prefix := msg.SenderID() + "/"
				var mine []string
				for _, k := range keys {
					if strings.HasPrefix(k, prefix) {
						mine = append(mine, strings.TrimPrefix(k, prefix))
					}
				}
				if len(mine) == 0 {
					return "You have no notes.", nil
				}
				return "Your notes: " + strings.Join(mine, ", "), nil
			}
			var text string
			ok, err := notes.Get(noteKey(msg, name), &text)
			if err != nil {
				return nil, err
			}
			if !ok {
				return fmt.Sprintf("No note named %q.", name), nil
			}
			return text, nil
		},
	})
	b.Register(bot.Command{
		Name: "forget", Doc: "deletes a note: /forget <name>", Hidden: true,
		Handler: func(_ context.Context, msg *message.Message) (bot.Response, error) {
			name := msg.Arg(1)
			if name == "" {
				return "Usage: /forget <name>", nil
			}
			if err := notes.Remove(noteKey(msg, name)); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Forgot %q.", name), nil
		},
	})
}

// registerWalletCommands adds the admin-facing payment commands.
func registerWalletCommands(b *bot.Bot, wallet *payments.Wallet, pay *payments.PayBot) {
	b.Register(bot.Command{
		Name: "balance", Doc: "shows the wallet balance", Admin: true,
		Handler: func(context.Context, *message.Message) (bot.Response, error) {
			pmob, err := wallet.Balance()
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Balance: %s MOB", payments.MOBString(pmob)), nil
		},
	})
	b.Register(bot.Command{
		Name: "pay", Doc: "sends a payment: /pay <recipient> <mob> [note]", Admin: true, Hidden: true,
		Handler: func(ctx context.Context, msg *message.Message) (bot.Response, error) {
			recipient := msg.Arg(1)
			mob, err := strconv.ParseFloat(msg.Arg(2), 64)
			if err != nil || mob <= 0 || !signal.ValidRecipient(recipient) {
				return "Usage: /pay <recipient> <mob> [note]", nil
			}
			amount := int64(mob * float64(payments.PmobPerMOB))
			result, err := pay.SendPayment(ctx, recipient, amount, payments.SendPaymentOpts{
				Note:           msg.ArgsAfter(2),
				ConfirmTimeout: 30 * time.Second,
			})
			if err != nil {
				return nil, err
			}
			if result == nil {
				return fmt.Sprintf("%s has payments disabled.", recipient), nil
			}
			return fmt.Sprintf("Payment of %s MOB: %s", payments.MOBString(amount), result.Status), nil
		},
	})
	b.Register(bot.Command{
		Name: "giftcode", Doc: "builds a gift code: /giftcode <mob> [memo]", Admin: true, Hidden: true,
		Handler: func(_ context.Context, msg *message.Message) (bot.Response, error) {
			mob, err := strconv.ParseFloat(msg.Arg(1), 64)
			if err != nil || mob <= 0 {
				return "Usage: /giftcode <mob> [memo]", nil
			}
			code, err := wallet.BuildGiftCode(int64(mob*float64(payments.PmobPerMOB)), msg.ArgsAfter(1))
			if err != nil {
				return nil, err
			}
			if err := wallet.SubmitGiftCode(code); err != nil {
				return nil, err
			}
			return "Gift code: " + code.B58, nil
		},
	})
	b.Register(bot.Command{
		Name: "txlogs", Doc: "dumps the wallet transaction logs", Admin: true, Hidden: true,
		Handler: func(context.Context, *message.Message) (bot.Response, error) {
			raw, err := wallet.GetAllTransactionLogs()
			if err != nil {
				return nil, err
			}
			out := string(raw)
			if len(out) > 4000 {
				out = out[:4000] + " [truncated]"
			}
			return out, nil
		},
	})
	b.Register(bot.Command{
		Name: "redeem", Doc: "claims a gift code: /redeem <b58>", Admin: true, Hidden: true,
		Handler: func(_ context.Context, msg *message.Message) (bot.Response, error) {
			b58 := msg.Arg(1)
			if b58 == "" {
				return "Usage: /redeem <b58>", nil
			}
			kind, err := wallet.CheckB58Type(b58)
			if err != nil {
				return nil, err
			}
			if kind != "gift_code" {
				return fmt.Sprintf("That b58 is a %s, not a gift code.", kind), nil
			}
			status, value, err := wallet.CheckGiftCodeStatus(b58)
			if err != nil {
				return nil, err
			}
			if status != "GiftCodeAvailable" {
				return "Gift code is " + status, nil
			}
			if _, err := wallet.ClaimGiftCode(b58); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Claimed %s MOB.", payments.MOBString(value)), nil
		},
	})
}
