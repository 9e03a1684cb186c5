package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"inboxbot/internal/config"

	"github.com/spf13/cobra"
)

const unitName = "inboxbot.service"

func installDaemonCmd() *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a systemd user unit running 'inboxbot serve'",
		Long: `Validates the env file, then writes a systemd user unit that runs
'inboxbot serve --env-file <abs path>' and restarts it on failure.
With --print the unit goes to stdout instead, e.g. for /etc/systemd/system.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("refusing to install with an invalid config: %w", err)
			}
			unit, err := buildUnit(cfg)
			if err != nil {
				return err
			}
			if printOnly {
				fmt.Println(unit)
				return nil
			}

			path, err := unitPath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
				return fmt.Errorf("write unit: %w", err)
			}
			fmt.Printf("Unit written: %s\n", path)
			fmt.Printf("Enable and start: systemctl --user daemon-reload && systemctl --user enable --now inboxbot\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&printOnly, "print", false, "print the unit instead of installing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd user unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := unitPath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove unit: %w", err)
			}
			fmt.Printf("Unit removed: %s (run: systemctl --user daemon-reload)\n", path)
			return nil
		},
	}
}

func unitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", unitName), nil
}

// buildUnit renders the unit for the current binary and env file. The stop
// timeout covers the HTTP shutdown plus one full event processing window.
func buildUnit(cfg *config.Config) (string, error) {
	exec, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot determine executable path: %w", err)
	}
	env, err := filepath.Abs(envFile)
	if err != nil {
		return "", err
	}
	stop := cfg.Server.ShutdownTimeout + cfg.Server.ProcessTimeout + 10*time.Second
	return renderUnit(systemdTemplate, map[string]string{
		"EXEC":    exec,
		"ENV":     env,
		"WORKDIR": filepath.Dir(env),
		"STOP":    strconv.Itoa(int(math.Ceil(stop.Seconds()))),
	}), nil
}

// renderUnit fills {{KEY}} placeholders.
func renderUnit(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

const systemdTemplate = `[Unit]
Description=inboxbot webhook server
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
WorkingDirectory={{WORKDIR}}
ExecStart={{EXEC}} serve --env-file {{ENV}}
KillSignal=SIGTERM
TimeoutStopSec={{STOP}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
