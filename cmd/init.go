package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"

	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/config"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// RunInit writes a default configuration. An existing file is only replaced with
// --force or after confirmation.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	if envFile, ok := flagMap["env-file"].(string); ok {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
	}

	configPath := configPathFrom(flagMap)
	absConfigPath, err := util.CleanAbsPath(configPath)
	if err != nil {
		return fmt.Errorf("could not determine absolute path for config %s: %w", configPath, err)
	}

	force, _ := flagMap["force"].(bool)
	overwrite := false
	if _, err := os.Stat(absConfigPath); err == nil {
		if !force {
			color.Yellow("WARNING: Configuration file already exists at %s.", absConfigPath)
			if !confirm("Overwrite it with default values? All custom settings will be lost.", false) {
				plog.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
		overwrite = true
	}

	// Global flags given to init, e.g. --log-level, end up in the generated file.
	initConfig := config.MergeConfigWithFlags(flagparse.Init, config.NewDefault(), flagMap)

	if dryRun, _ := flagMap["dry-run"].(bool); dryRun {
		plog.Info("[DRY RUN] Would write configuration", "path", absConfigPath)
		return nil
	}
	if err := config.Generate(absConfigPath, initConfig, overwrite); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	color.Green("Configuration written to %s", absConfigPath)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response. Without a
// terminal the default is returned.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	proceed := defaultYes
	if err := survey.AskOne(&survey.Confirm{Message: prompt, Default: defaultYes}, &proceed); err != nil {
		plog.Debug("Confirmation prompt failed, using default", "error", err)
		return defaultYes
	}
	return proceed
}
