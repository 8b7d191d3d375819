package service

import (
	"net"

	"github.com/promstow/promstow/pipeline"
	"github.com/promstow/promstow/service/http"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Init starts the status HTTP server on addr.
func Init(addr string, p *pipeline.Pipeline) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal("failed to listen",
			zap.String("address", addr),
			zap.Error(err),
		)
	}

	go http.ServeHTTP(listener, p)

	log.Info("starting status http service",
		zap.String("address", addr),
	)
}

func Stop() {
	http.StopHTTP()
}
