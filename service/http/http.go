package http

import (
	"net"
	"net/http"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var httpServer *http.Server = nil

func ServeHTTP(listener net.Listener, stats StatsProvider) {
	mux := http.NewServeMux()
	mux.HandleFunc("/-/healthy", okHandler)
	mux.HandleFunc("/-/ready", okHandler)
	mux.HandleFunc("/stats", StatsHandler(stats))

	httpServer = &http.Server{Handler: mux}
	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		log.Warn("failed to serve status http service", zap.Error(err))
	}
}

func StopHTTP() {
	if httpServer == nil {
		return
	}

	log.Info("shutting down status http server")
	if err := httpServer.Close(); err != nil {
		log.Warn("failed to close status http server", zap.Error(err))
	}
	httpServer = nil
	log.Info("status http server is down")
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
