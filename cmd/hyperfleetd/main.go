// hyperfleetd is the Hyperfleet daemon — the control plane for a fleet of
// hypervisor-backed microVMs.
//
// It loads configuration from the environment, opens the durable store,
// wires the OCI resolver/cache, host network, lifecycle engine, and
// runtime registry, and serves the external JSON API and the reverse
// proxy on separate ports until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/xfeldman/hyperfleet/internal/config"
	"github.com/xfeldman/hyperfleet/internal/hostnet"
	"github.com/xfeldman/hyperfleet/internal/httpapi"
	"github.com/xfeldman/hyperfleet/internal/image"
	"github.com/xfeldman/hyperfleet/internal/lifecycle"
	"github.com/xfeldman/hyperfleet/internal/proxy"
	"github.com/xfeldman/hyperfleet/internal/runtimereg"
	"github.com/xfeldman/hyperfleet/internal/store"
	"github.com/xfeldman/hyperfleet/internal/version"
	"github.com/xfeldman/hyperfleet/internal/vmm"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	cfg.ResolveBinaries()
	log.Printf("hyperfleetd %s starting (data dir %s)", version.Version(), cfg.DataDir)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open durable store: %v", err)
	}
	defer db.Close()
	log.Printf("durable store: %s", cfg.DatabasePath)

	cache, err := image.NewCache(cfg.OCICacheDir, cfg.OCIMaxCacheSize)
	if err != nil {
		log.Fatalf("open image cache: %v", err)
	}
	resolver := image.NewResolver(cache, cfg.InitPath, cfg.OCIDefaultRootfsSizeMiB, cfg.DataDir)
	log.Printf("image cache: %s", cfg.OCICacheDir)

	net := hostnet.New(hostnet.NewExecutor())
	alloc := hostnet.NewAllocator("hf")

	registry := runtimereg.New()

	newDriver := func(vc vmm.Config) vmm.Driver {
		return vmm.NewCloudHypervisorDriver(vc, cfg.CloudHypervisorBin)
	}

	engine := lifecycle.New(db, resolver, net, alloc, registry, cfg, newDriver)

	// Every machine's hypervisor process died with the previous daemon
	// instance; mark anything the store still thinks is running as
	// failed rather than leaving stale "running" rows with no backing
	// process, matching aegisd's "they all come back as stopped" restore
	// discipline.
	if err := engine.RebuildFromStore(); err != nil {
		log.Fatalf("rebuild engine state from store: %v", err)
	}

	api := httpapi.New(engine, db)

	rp := proxy.New(engine, proxy.Config{
		Prefix:            cfg.ProxyPrefix,
		HostSuffix:        cfg.ProxyHostSuffix,
		ExposedPortPollMs: int(cfg.ProxyExposedPortPollInterval / time.Millisecond),
	})
	proxyAddr := addrFor(cfg.ProxyPort)
	proxyServer := &http.Server{Addr: proxyAddr, Handler: rp}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Printf("http api listening on %s", addrFor(cfg.Port))
		if err := api.ListenAndServe(addrFor(cfg.Port)); err != nil && err != http.ErrServerClosed {
			log.Printf("http api stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		log.Printf("reverse proxy listening on %s", proxyAddr)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("reverse proxy stopped: %v", err)
		}
	}()

	pidPath := cfg.DataDir + "/hyperfleetd.pid"
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
	defer os.Remove(pidPath)

	log.Printf("hyperfleetd ready (pid %d)", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := api.Shutdown(ctx); err != nil {
		log.Printf("http api shutdown: %v", err)
	}
	if err := proxyServer.Shutdown(ctx); err != nil {
		log.Printf("reverse proxy shutdown: %v", err)
	}

	engine.Shutdown(ctx)
	wg.Wait()

	log.Println("hyperfleetd stopped")
}

func addrFor(port int) string {
	return fmt.Sprintf(":%d", port)
}
