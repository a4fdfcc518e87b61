// racecored is the control-core process: it wires the entity store, node
// interface, race controller, cluster coordinator, adaptive calibration,
// and client fan-out together, then serves the websocket transport until
// told to stop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/paddock/racecore/calibration"
	"github.com/paddock/racecore/clientfanout"
	"github.com/paddock/racecore/cluster"
	"github.com/paddock/racecore/cmn/config"
	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/crossing"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/node"
	"github.com/paddock/racecore/race"
	"github.com/paddock/racecore/resultscache"
	"github.com/paddock/racecore/store"
	"github.com/paddock/racecore/timesrc"
)

// defaultFrequencies seeds a Simulator when no hardware driver is
// configured (spec §7's Fatal-error fallback): the node module names no
// real driver, so racecore always starts against the in-process mock.
var defaultFrequencies = []int64{5658, 5695, 5732, 5769, 5806, 5843, 5880, 5917}

func main() {
	cfgPath := flag.String("config", "racecore.yaml", "path to the server config file")
	nodeCount := flag.Int("nodes", 8, "number of RF receiver nodes to simulate")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		nlog.Errorln("racecored: load config,", err)
		os.Exit(1)
	}
	nlog.SetVerbosity(cfg.Log.Verbosity)
	if cfg.Log.Path != "" {
		f, err := os.OpenFile(cfg.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			nlog.Errorln("racecored: open log file,", err)
			os.Exit(1)
		}
		defer f.Close()
		nlog.SetOutput(f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *nodeCount); err != nil {
		nlog.Errorln("racecored: fatal,", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, nodeCount int) error {
	bus := eventbus.New()

	st, err := store.Open(cfg.Database.Path, bus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cache := resultscache.New(st)
	clock := timesrc.New(bus)
	adapter := node.NewSimulator(nodeCount, defaultFrequencies)
	defer adapter.Close()

	raceState := core.NewRaceState()
	processor := crossing.New(raceState, st, cache, bus, adapter)
	defer processor.Stop()

	controller := race.New(raceState, st, bus, adapter, processor, clock)

	role, err := parseRole(cfg.Cluster.Role)
	if err != nil {
		return err
	}
	coordinator := cluster.New(role, raceState, processor, controller, st, bus, clock)

	calibration.New(st, adapter, bus)

	hub := clientfanout.New(st, cache, raceState, controller, adapter, bus)

	listener, err := startClusterListener(role, cfg.Cluster.ListenAddr, coordinator, cfg.Database.BackupDir)
	if err != nil {
		return fmt.Errorf("start cluster listener: %w", err)
	}
	if listener != nil {
		defer listener.Close()
	}
	if role != cluster.RolePrimary {
		if err := joinPrimary(coordinator, cfg.Cluster.PrimaryAddr); err != nil {
			return fmt.Errorf("join primary: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	bus.Publish(eventbus.Startup, nil)

	serveErr := make(chan error, 1)
	go func() {
		nlog.Infoln("racecored: listening,", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		nlog.Infoln("racecored: shutdown requested")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	bus.Publish(eventbus.Shutdown, nil)
	return srv.Shutdown(context.Background())
}

func parseRole(s string) (cluster.Role, error) {
	switch s {
	case "", "primary":
		return cluster.RolePrimary, nil
	case "split":
		return cluster.RoleSplitSecondary, nil
	case "mirror":
		return cluster.RoleMirrorSecondary, nil
	default:
		return 0, fmt.Errorf("unknown cluster role %q", s)
	}
}

// startClusterListener opens the primary's accept loop; secondaries and a
// standalone (non-clustered) instance have nothing to listen for.
func startClusterListener(role cluster.Role, addr string, coordinator *cluster.Coordinator, dataDir string) (net.Listener, error) {
	if role != cluster.RolePrimary || addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go acceptSecondaries(ln, coordinator, dataDir)
	return ln, nil
}

func acceptSecondaries(ln net.Listener, coordinator *cluster.Coordinator, dataDir string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handleSecondary(conn, coordinator, dataDir)
	}
}

func handleSecondary(conn net.Conn, coordinator *cluster.Coordinator, dataDir string) {
	link := cluster.NewTCPLink(conn)
	env, err := link.Recv()
	if err != nil {
		nlog.Warningln("racecored: secondary handshake read failed,", err)
		link.Close()
		return
	}
	if env.Type != cluster.MsgJoinCluster {
		nlog.Warningln("racecored: expected joinCluster, got", env.Type)
		link.Close()
		return
	}
	var req cluster.JoinCluster
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		nlog.Warningln("racecored: bad joinCluster payload,", err)
		link.Close()
		return
	}
	id := conn.RemoteAddr().String()
	if err := coordinator.Join(id, link, req, dataDir); err != nil {
		nlog.Warningln("racecored: join rejected, id =", id, "err =", err)
		link.Close()
		return
	}
	coordinator.ServePrimarySide(id, link)
}

func joinPrimary(coordinator *cluster.Coordinator, addr string) error {
	if addr == "" {
		return errors.New("cluster.primary_addr is required for a non-primary role")
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	link := cluster.NewTCPLink(conn)
	go func() {
		if err := coordinator.ConnectAsSecondary(link); err != nil {
			nlog.Warningln("racecored: secondary link ended,", err)
		}
	}()
	return nil
}
