// overmeshd: overlay reconciliation controller.
//
// Flow:
//  1. Load config, host registry, and credentials
//  2. Re-register persisted hosts with their drivers
//  3. Bootstrap: refresh every host, rediscover live tunnels (read-only)
//  4. Serve the management API and run the background reconciler
//
// State on the hosts is authoritative: the controller never trusts its own
// files over what discovery finds.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/recira/overmesh/pkg/config"
	"github.com/recira/overmesh/pkg/creds"
	"github.com/recira/overmesh/pkg/dhcp"
	"github.com/recira/overmesh/pkg/inventory"
	"github.com/recira/overmesh/pkg/overlay"
	"github.com/recira/overmesh/pkg/ovs"
	"github.com/recira/overmesh/pkg/remote"
	"github.com/recira/overmesh/pkg/vni"
	"github.com/recira/overmesh/pkg/vswitch"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "overmeshd",
		Short:   "Overlay reconciliation controller for OVS hosts",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/overmesh/config.yaml", "config file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	log.Infow("starting overmeshd", "version", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	credStore, err := creds.NewStore(cfg.CredsPath)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	sshExec := remote.NewSSHExecutor(log)
	exec := remote.WithTimeout(remote.NewRouter(sshExec, remote.NewLocalExecutor(log)), cfg.CommandTimeout.Std())
	defer func() { _ = exec.Close() }()

	inv := inventory.New(log)
	alloc := vniAllocator(cfg)

	drivers := func(h inventory.Host, cred creds.Credential) vswitch.Driver {
		return ovs.NewClient(remote.Target{
			HostID: h.ID,
			Addr:   h.ManagementAddr,
			User:   cred.User,
			Secret: cred.Password,
			Local:  h.Local,
		}, exec, log)
	}

	manager, err := overlay.NewManager(inv, alloc, overlay.Options{
		StatePath:          cfg.StatePath,
		HostsPath:          cfg.HostsPath,
		MaxConcurrentPairs: cfg.MaxConcurrentPairs,
		Drivers:            drivers,
		Creds:              credStore,
	}, log)
	if err != nil {
		return err
	}

	hosts, err := inventory.LoadHosts(cfg.HostsPath)
	if err != nil {
		return fmt.Errorf("loading host registry: %w", err)
	}
	for _, h := range hosts {
		if err := manager.RegisterHost(h); err != nil {
			log.Warnw("skipping persisted host", "host", h.ID, "error", err)
		}
	}

	dhcpMgr, err := dhcp.NewManager(exec, inv, manager, credStore, cfg.DHCPPath, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Discovery must finish before any reconciliation runs.
	bootCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	err = manager.Bootstrap(bootCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	mux := http.NewServeMux()
	manager.RegisterRoutes(mux)
	dhcpMgr.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("api listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("api server failed", "error", err)
			stop()
		}
	}()

	if cfg.ReconcileInterval > 0 {
		go manager.RunReconciler(ctx, cfg.ReconcileInterval.Std())
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func vniAllocator(cfg config.Config) *vni.Allocator {
	min, max := cfg.VNIMin, cfg.VNIMax
	if min == 0 {
		min = vni.DefaultMin
	}
	if max == 0 {
		max = vni.DefaultMax
	}
	return vni.NewAllocator(min, max)
}
