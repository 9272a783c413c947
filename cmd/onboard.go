package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/driftworks/conduit/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runOnboard(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
		},
	}
}

func runOnboard() error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	var (
		model     = cfg.Agent.Model
		workspace = cfg.Agent.Workspace
		provider  = "openai"
		webchat   = cfg.Channels.WebChat.Enabled
		telegram  = cfg.Channels.Telegram.Enabled
		discord   = cfg.Channels.Discord.Enabled
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Description("API keys are read from the environment, never stored in the config file.").
				Options(
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Model").
				Placeholder(config.Default().Agent.Model).
				Value(&model),
			huh.NewInput().
				Title("Workspace directory").
				Description("Where the agent reads and writes files.").
				Value(&workspace),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the web chat channel?").
				Value(&webchat),
			huh.NewConfirm().
				Title("Enable Telegram?").
				Description("Requires CONDUIT_CHANNELS__TELEGRAM__TOKEN in the environment.").
				Value(&telegram),
			huh.NewConfirm().
				Title("Enable Discord?").
				Description("Requires CONDUIT_CHANNELS__DISCORD__TOKEN in the environment.").
				Value(&discord),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if model != "" {
		cfg.Agent.Model = model
	}
	if workspace != "" {
		cfg.Agent.Workspace = workspace
	}
	cfg.Channels.WebChat.Enabled = webchat
	cfg.Channels.Telegram.Enabled = telegram
	cfg.Channels.Discord.Enabled = discord

	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)

	keyVar := "CONDUIT_PROVIDERS__OPENAI__API_KEY"
	if provider == "openrouter" {
		keyVar = "CONDUIT_PROVIDERS__OPENROUTER__API_KEY"
	}
	if os.Getenv(keyVar) == "" {
		fmt.Printf("\nnext: export %s before starting the gateway\n", keyVar)
	}
	fmt.Println("run `conduit gateway` to start")
	return nil
}
