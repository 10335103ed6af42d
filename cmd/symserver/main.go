// Command symserver runs the SymServer front-end (spec §1/§6): an
// in-memory symbol cache consulted ahead of the DiskCache, coalescing
// misses into sub-requests.
package main

import (
	"flag"
	"net/http"
	"os"
	"strconv"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/config"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symserver"
)

func main() {
	configPath := flag.String("config", "", "path to a SymServer JSON config file")
	flag.Parse()

	cfg := config.DefaultSymServer()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			applog.Errorf("symserver", "failed to load config %q: %v", *configPath, err)
			os.Exit(1)
		}
	} else {
		cfg.Sanitize()
	}
	applog.SetLevel(cfg.Log.Level)

	applog.Infof("symserver", "starting pid=%d diskCacheServer=%s port=%d", os.Getpid(), cfg.DiskCacheServer, cfg.Port)

	srv := symserver.New(cfg, nil)

	addr := ":" + strconv.Itoa(cfg.Port)
	applog.Infof("symserver", "listening on %s", addr)
	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		applog.Errorf("symserver", "server exited: %v", err)
		os.Exit(1)
	}
}
