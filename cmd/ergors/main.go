package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/permissionlessweb/ergors/internal/identity"
	"github.com/permissionlessweb/ergors/internal/node"
	"github.com/permissionlessweb/ergors/internal/peer"
	"github.com/permissionlessweb/ergors/internal/sandloop"
	"github.com/permissionlessweb/ergors/internal/server"
	"github.com/permissionlessweb/ergors/internal/statesync"
	"github.com/permissionlessweb/ergors/internal/store"
	"github.com/permissionlessweb/ergors/internal/topology"
)

const (
	defaultListenAddr = "127.0.0.1:7420"
	defaultHTTPAddr   = "127.0.0.1:7421"
	defaultHTTPRate   = 120 // requests per client per minute

	resyncInterval = 30 * time.Second
	digestInterval = time.Minute

	shutdownGrace = 10 * time.Second
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: ergors --role <coordinator|executor|referee|development> [options]

Options:
  --role ROLE        role this node holds in the mesh (or ERGORS_ROLE)
  --listen ADDR      peer listen address (default `+defaultListenAddr+`)
  --http ADDR        status API listen address (default `+defaultHTTPAddr+`)
  --data-dir DIR     state directory (default ~/.ergors)
  --peer ADDR        bootstrap peer, repeatable
  --sync-prefix P    replicated store prefix, repeatable (default: task)

Set ERGORS_KEY_PASSPHRASE to encrypt the identity key at rest.`)
	os.Exit(1)
}

// argValue extracts "--name value" or "--name=value" from args, falling back
// to the environment variable env, then to def.
func argValue(args []string, name, env, def string) string {
	for i, arg := range args {
		if arg == "--"+name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			return strings.TrimPrefix(arg, "--"+name+"=")
		}
	}
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return def
}

// argValues collects every occurrence of a repeatable flag.
func argValues(args []string, name string) []string {
	var out []string
	for i, arg := range args {
		if arg == "--"+name && i+1 < len(args) {
			out = append(out, args[i+1])
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			out = append(out, strings.TrimPrefix(arg, "--"+name+"="))
		}
	}
	return out
}

func ergorsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}
	return filepath.Join(home, ".ergors")
}

func main() {
	args := os.Args[1:]

	roleStr := argValue(args, "role", "ERGORS_ROLE", "")
	if roleStr == "" {
		usage()
	}
	role, err := identity.ParseRole(roleStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	listenAddr := argValue(args, "listen", "ERGORS_LISTEN", defaultListenAddr)
	httpAddr := argValue(args, "http", "ERGORS_HTTP", defaultHTTPAddr)
	dataDir := argValue(args, "data-dir", "ERGORS_DATA_DIR", ergorsDir())
	bootstrap := argValues(args, "peer")
	prefixes := argValues(args, "sync-prefix")
	if len(prefixes) == 0 {
		prefixes = []string{"task"}
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: creating data directory: %v\n", err)
		os.Exit(1)
	}

	id, err := identity.LoadOrGenerate(
		filepath.Join(dataDir, "node.key"),
		os.Getenv("ERGORS_KEY_PASSPHRASE"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading identity: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening state store: %v\n", err)
		os.Exit(1)
	}
	dir, err := peer.Open(filepath.Join(dataDir, "peers.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening peer directory: %v\n", err)
		os.Exit(1)
	}

	tracker := topology.NewTracker(id.ID, role)
	tracker.Watch(dir)
	tracker.Subscribe(func(ev topology.Event) {
		switch ev.Kind {
		case topology.Formed:
			log.Printf("topology formed: all four roles connected")
		case topology.Lost:
			log.Printf("topology lost: %d roles, %d edges",
				len(ev.Topology.Roles), len(ev.Topology.Edges))
		}
	})

	n := node.New(node.Config{
		Identity:  id,
		Role:      role,
		Address:   listenAddr,
		Directory: dir,
		Bootstrap: bootstrap,
	})
	eng := statesync.New(st, n, n.ConnectedPeers, statesync.Config{
		Prefixes: prefixes,
	})
	n.SetSync(eng)

	loops := sandloop.NewScheduler(st, sandloop.Config{})
	registerDefaultLoops(loops, n, eng, tracker, st, prefixes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.Start(ctx)
	loops.Start(ctx)
	go eng.Run(ctx)

	p2pMux := http.NewServeMux()
	p2pMux.HandleFunc("/p2p", n.Handler())
	p2pSrv := &http.Server{Addr: listenAddr, Handler: p2pMux}
	go func() {
		if err := p2pSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("peer listener: %v", err)
		}
	}()

	apiSrv := &http.Server{
		Addr:    httpAddr,
		Handler: server.New(id.ID, st, tracker, loops, defaultHTTPRate),
	}
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("status API: %v", err)
		}
	}()

	log.Printf("ergors node %s up: role=%s peers=%s api=%s", id.ID, role, listenAddr, httpAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	_ = p2pSrv.Shutdown(shutdownCtx)
	_ = apiSrv.Shutdown(shutdownCtx)
	eng.Stop()
	cancel()
	loops.Stop()
	n.Close()
	if err := dir.Close(); err != nil {
		log.Printf("closing peer directory: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("closing state store: %v", err)
	}
}

// digest is what the digest loop folds forward each iteration: a rolling
// picture of the node fed back into itself.
type digest struct {
	Iteration      uint64            `json:"iteration"`
	TopologyOK     bool              `json:"topology_ok"`
	FormedStreak   uint64            `json:"formed_streak"`
	PrefixVersions map[string]uint64 `json:"prefix_versions"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

func registerDefaultLoops(loops *sandloop.Scheduler, n *node.Node, eng *statesync.Engine,
	tracker *topology.Tracker, st *store.Store, prefixes []string) {

	// resync nudges the sync engine toward every connected peer, ahead of
	// its own timer.
	err := loops.Register("resync", resyncInterval, sandloop.Fast,
		func(_ context.Context, in sandloop.Input) (json.RawMessage, error) {
			peers := n.ConnectedPeers()
			for _, peerID := range peers {
				eng.SyncNow(peerID)
			}
			return json.Marshal(map[string]int{"peers_kicked": len(peers)})
		})
	if err != nil {
		log.Fatalf("register resync loop: %v", err)
	}

	// digest folds the previous digest and the current topology and store
	// state into the next one.
	err = loops.Register("digest", digestInterval, sandloop.Slow,
		func(_ context.Context, in sandloop.Input) (json.RawMessage, error) {
			var prev digest
			if in.PreviousResult != nil {
				if err := json.Unmarshal(in.PreviousResult, &prev); err != nil {
					return nil, fmt.Errorf("decode previous digest: %w", err)
				}
			}

			d := digest{
				Iteration:      in.Iteration,
				TopologyOK:     tracker.Current().Complete,
				PrefixVersions: make(map[string]uint64),
				GeneratedAt:    time.Now(),
			}
			if d.TopologyOK {
				d.FormedStreak = prev.FormedStreak + 1
			}
			for _, prefix := range prefixes {
				v, err := st.Version(prefix)
				if err != nil {
					return nil, fmt.Errorf("version of %s: %w", prefix, err)
				}
				d.PrefixVersions[prefix] = v
			}
			return json.Marshal(d)
		})
	if err != nil {
		log.Fatalf("register digest loop: %v", err)
	}
}
