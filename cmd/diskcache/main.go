// Command diskcache runs the DiskCache server (spec §1/§6): a persistent,
// size-bounded LRU store of preprocessed symbol files, served over HTTP.
package main

import (
	"flag"
	"net/http"
	"os"
	"strconv"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/config"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/diskcache"
)

func main() {
	configPath := flag.String("config", "", "path to a DiskCache JSON config file")
	flag.Parse()

	cfg := config.DefaultDiskCache()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			applog.Errorf("diskcache", "failed to load config %q: %v", *configPath, err)
			os.Exit(1)
		}
	} else {
		cfg.Sanitize()
	}
	applog.SetLevel(cfg.Log.Level)

	applog.Infof("diskcache", "starting pid=%d cachePath=%s maxSizeMB=%d port=%d", os.Getpid(), cfg.CachePath, cfg.MaxSizeMB, cfg.Port)

	srv, err := diskcache.New(cfg)
	if err != nil {
		applog.Errorf("diskcache", "failed to start: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	addr := listenAddr(cfg.Port)
	applog.Infof("diskcache", "listening on %s", addr)
	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		applog.Errorf("diskcache", "server exited: %v", err)
		os.Exit(1)
	}
}

func listenAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
