package main

import (
	"encoding/json"
	"fmt"
	"os"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"github.com/sourpls22-ux/MiraVPN/internal/sweep"
	"github.com/sourpls22-ux/MiraVPN/internal/telegram"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single limit sweep and print its result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
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
		res, err := sweep.New(a.log, a.accountRepo, a.panel, bot, a.cfg.SweepInterval).RunOnce(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}
