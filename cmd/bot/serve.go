package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"github.com/sourpls22-ux/MiraVPN/internal/sweep"
	"github.com/sourpls22-ux/MiraVPN/internal/telegram"
	"github.com/sourpls22-ux/MiraVPN/internal/webapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram bot, the HTTP API and the limit sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	botAPI, err := tgbotapi.NewBotAPI(a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}

	bot := telegram.NewBot(a.cfg, botAPI, a.log, a.accounts, a.keys, a.tariffs)
	sweeper := sweep.New(a.log, a.accountRepo, a.panel, bot, a.cfg.SweepInterval)
	server := webapi.NewServer(webapi.Options{
		Addr:           a.cfg.HTTPListenAddr,
		AdminUsername:  a.cfg.AdminUsername,
		AdminPassword:  a.cfg.AdminPassword,
		AllowedOrigins: a.cfg.WebAppAllowedOrigins,
	}, a.log, a.accounts, a.tariffs, sweeper, bot, a.registry)

	if _, err := a.panel.Authenticate(ctx); err != nil {
		a.log.Warn("initial panel authentication failed", "err", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, a.cfg.SweepOnStart)
	}()
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			a.log.Error("http server stopped", "err", err)
			stop()
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("bot stopped", "err", err)
	}
	stop()
	wg.Wait()
	return nil
}
