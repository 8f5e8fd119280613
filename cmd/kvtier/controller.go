package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hrygo/kvtier/plugin/timeout"
	"github.com/hrygo/kvtier/server/controller"
)

func newControllerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Manage the placement controller process",
	}
	cmd.AddCommand(
		newControllerStartCommand(a),
		newControllerStopCommand(a),
		newControllerStatusCommand(a),
	)
	return cmd
}

func newControllerStartCommand(a *app) *cobra.Command {
	var disableOffload bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the controller API server until interrupted",
		Long: `Launch the controller API server as a child process and supervise it.
The supervisor's pid is written to the configured pid file so that
"kvtier controller stop" can end both.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.profile.Controller
			pc := controller.DefaultProcessConfig()
			pc.Python = cfg.Python
			pc.ConfigPath = cfg.ConfigPath
			pc.Host = cfg.Host
			pc.Port = cfg.Port
			pc.LogPath = cfg.LogPath
			if disableOffload {
				pc.DisableOffload = "1"
			}

			if pid, ok := readPIDFile(cfg.PIDFile); ok && processAlive(pid) {
				return errors.Errorf("controller supervisor already running (pid %d)", pid)
			}

			ctx := cmd.Context()
			proc := controller.NewProcess(pc)
			pid, err := proc.Start(ctx)
			if err != nil {
				_ = proc.Stop(timeout.ProcessStopTimeout)
				return err
			}
			if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
				_ = proc.Stop(timeout.ProcessStopTimeout)
				return errors.Wrapf(err, "failed to write pid file %s", cfg.PIDFile)
			}
			defer os.Remove(cfg.PIDFile)

			fmt.Fprintf(cmd.OutOrStdout(), "controller running (pid %d)\n", pid)
			<-ctx.Done()
			slog.Info("stopping controller", slog.Int("pid", pid))
			return proc.Stop(timeout.ProcessStopTimeout)
		},
	}
	cmd.Flags().BoolVar(&disableOffload, "disable-offload", false, "start the controller with offloading disabled")
	return cmd
}

func newControllerStopCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a controller started with \"kvtier controller start\"",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pidFile := a.profile.Controller.PIDFile
			pid, ok := readPIDFile(pidFile)
			if !ok || !processAlive(pid) {
				fmt.Fprintln(cmd.OutOrStdout(), "controller is not running")
				return nil
			}
			p, err := os.FindProcess(pid)
			if err != nil {
				return errors.Wrapf(err, "failed to find pid %d", pid)
			}
			if err := p.Signal(syscall.SIGTERM); err != nil {
				return errors.Wrapf(err, "failed to signal pid %d", pid)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested (pid %d)\n", pid)
			return nil
		},
	}
}

func newControllerStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the supervisor process and the controller health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.profile.Controller
			out := map[string]any{"running": false}
			if pid, ok := readPIDFile(cfg.PIDFile); ok && processAlive(pid) {
				out["running"] = true
				out["pid"] = pid
			}

			client := controller.NewClient(&controller.Config{
				ControllerURL: cfg.URL,
				EngineURL:     cfg.EngineURL,
				Model:         cfg.Model,
				InstanceID:    cfg.InstanceID,
				Timeout:       cfg.Timeout,
			})
			health, err := client.Health(cmd.Context())
			if err != nil {
				out["health_error"] = err.Error()
			} else {
				out["health"] = health
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
