// Command phasetune-agent runs on the controller board and executes the
// gain and reset commands sent by phasetune over a websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/phasetune/internal/hardware"
	"github.com/banshee-data/phasetune/internal/version"
)

var (
	listen      = flag.String("listen", hardware.DefaultAgentAddr, "Listen address")
	allow       = flag.String("allow", "/root/PhaseStabilization/RedPitayaPid/pid,/root/PhaseStabilization/RedPitayaPid/clear_pid", "Comma-separated executables the agent may run")
	timeout     = flag.Duration("timeout", 30*time.Second, "Maximum run time of a single command")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("phasetune-agent"))
		return
	}

	allowed := splitList(*allow)
	if len(allowed) == 0 {
		log.Fatal("at least one executable must be allowed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/", &hardware.Agent{Allowed: allowed, Timeout: *timeout})
	server := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("agent listening on %s, allowed: %s", *listen, strings.Join(allowed, " "))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down agent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("agent shutdown error: %v", err)
		server.Close()
	}
}
