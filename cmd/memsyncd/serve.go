package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"memsync/internal/cursors"
	"memsync/internal/daemon"
	"memsync/internal/discovery"
	"memsync/internal/merge"
	"memsync/internal/oplog"
	"memsync/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and its HTTP endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		olog := oplog.New(a.st, a.id.DeviceID)
		engine := merge.New(a.st)
		cur := cursors.New(a.st)
		client := transport.NewClient(&http.Client{}, a.id)

		// Resolver order is the dial order: LAN sighting, then the address
		// that last worked, then the configured one, then anything stored.
		var browser *discovery.Browser
		if a.cfg.Multicast.Enabled {
			browser, err = discovery.NewBrowser(a.cfg.Multicast.Group, a.log)
			if err != nil {
				a.log.Warn("LAN discovery unavailable", "err", err)
				browser = nil
			}
		}
		chain := discovery.NewChain(nilIfAbsent(browser), discovery.LastGood{}, discovery.Static{}, discovery.Stored{})

		d := daemon.New(daemon.Config{
			Interval:    a.cfg.SyncInterval(),
			PageLimit:   a.cfg.PageLimit,
			Workers:     a.cfg.Workers,
			DialTimeout: a.cfg.DialTimeout(),
			EntityTypes: a.cfg.EntityTypes,
		}, a.log, a.st, a.reg, cur, olog, engine, chain, client)

		server := transport.NewServer(a.id, a.st, olog, engine, a.reg, a.log, a.cfg.PageLimit)
		router := server.Router(transport.NewNonceCache(a.cfg.SkewWindow()), a.cfg.SkewWindow())
		httpSrv := &http.Server{Addr: a.cfg.ListenAddr, Handler: router}

		go func() {
			a.log.Info("listening", "addr", a.cfg.ListenAddr, "device", a.id.DeviceID, "fingerprint", a.id.Fingerprint)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("http server failed", "err", err)
				stop()
			}
		}()

		if browser != nil {
			go browser.Run(ctx)
		}
		if a.cfg.Multicast.Enabled {
			announcer := discovery.NewAnnouncer(a.cfg.Multicast.Group, a.id.DeviceID, a.id.Fingerprint,
				listenPort(a.cfg.ListenAddr), a.cfg.AnnounceInterval(), a.log)
			go announcer.Run(ctx)
		}

		d.Run(ctx)

		// In-flight requests get a short grace period; page commits are
		// atomic so nothing is left half-applied.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func nilIfAbsent(b *discovery.Browser) discovery.Resolver {
	if b == nil {
		return nil
	}
	return b
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}
