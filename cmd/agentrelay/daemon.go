package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "dev.agentrelay.relay"
	systemdUnit  = "agentrelay.service"
)

// serviceFile describes where the user-level service definition for one
// platform lives and how to render it.
type serviceFile struct {
	Manager  string // launchd or systemd
	Path     string
	Template string
	LogDir   string // launchd only; systemd keeps output in the journal
	Start    []string
	Stop     []string
}

func serviceFor(goos, home string) (serviceFile, error) {
	switch goos {
	case "darwin":
		path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		return serviceFile{
			Manager:  "launchd",
			Path:     path,
			Template: launchdTemplate,
			LogDir:   filepath.Join(home, ".agentrelay", "logs"),
			Start:    []string{"launchctl load -w " + path},
			Stop:     []string{"launchctl unload -w " + path},
		}, nil
	case "linux":
		return serviceFile{
			Manager:  "systemd",
			Path:     filepath.Join(home, ".config", "systemd", "user", systemdUnit),
			Template: systemdTemplate,
			Start: []string{
				"systemctl --user daemon-reload",
				"systemctl --user enable --now agentrelay",
			},
			Stop: []string{"systemctl --user disable --now agentrelay"},
		}, nil
	default:
		return serviceFile{}, fmt.Errorf("no service manager support for %s (darwin and linux only)", goos)
	}
}

func currentService() (serviceFile, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return serviceFile{}, fmt.Errorf("locate home directory: %w", err)
	}
	return serviceFor(runtime.GOOS, home)
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the relay as a login service under launchd or systemd",
	}
	cmd.AddCommand(installDaemonCmd(), uninstallDaemonCmd(), daemonPathCmd())
	return cmd
}

func installDaemonCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write the service definition for 'agentrelay run'",
		Long: "Writes a launchd agent (macOS) or systemd user unit (Linux) that starts " +
			"'agentrelay run' with the current config and restarts it if it exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := currentService()
			if err != nil {
				return err
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve agentrelay binary: %w", err)
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			body := renderService(svc.Template, execPath, cfgPath, svc.LogDir)
			if printOnly {
				fmt.Println(body)
				return nil
			}
			if err := writeService(svc, body); err != nil {
				return err
			}
			printServiceSteps(os.Stdout, svc, "installed", svc.Start)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the service definition instead of writing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Delete the service definition written by 'daemon install'",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := currentService()
			if err != nil {
				return err
			}
			fmt.Println("Stop the service first if it is running:")
			for _, c := range svc.Stop {
				fmt.Println("  " + c)
			}
			if err := os.Remove(svc.Path); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no %s service installed at %s", svc.Manager, svc.Path)
				}
				return fmt.Errorf("delete %s: %w", svc.Path, err)
			}
			fmt.Printf("Removed %s\n", svc.Path)
			return nil
		},
	}
}

func daemonPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show where the service definition is written",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := currentService()
			if err != nil {
				return err
			}
			state := "not installed"
			if _, err := os.Stat(svc.Path); err == nil {
				state = "installed"
			}
			fmt.Printf("%s (%s, %s)\n", svc.Path, svc.Manager, state)
			return nil
		},
	}
}

func writeService(svc serviceFile, body string) error {
	if svc.LogDir != "" {
		if err := os.MkdirAll(svc.LogDir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(svc.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(svc.Path, []byte(body), 0o644)
}

func printServiceSteps(w io.Writer, svc serviceFile, verb string, steps []string) {
	fmt.Fprintf(w, "%s service %s: %s\n", svc.Manager, verb, svc.Path)
	fmt.Fprintln(w, "Next:")
	for _, s := range steps {
		fmt.Fprintln(w, "  "+s)
	}
}

// renderService fills a service template. These log paths capture only
// stdout and stderr; general.logFile is written by the relay itself.
func renderService(tmpl, execPath, cfgPath, logDir string) string {
	r := strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(logDir, "agentrelay.out.log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "agentrelay.err.log"),
	)
	return r.Replace(tmpl)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>ProcessType</key>
    <string>Background</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ThrottleInterval</key>
    <integer>5</integer>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=agentrelay inbound message delivery
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} run --config {{CONFIG}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=30

[Install]
WantedBy=default.target`
