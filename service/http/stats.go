package http

import (
	"net/http"

	"github.com/promstow/promstow/pipeline"

	jsoniter "github.com/json-iterator/go"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// StatsProvider exposes the pipeline counters to the status endpoints.
type StatsProvider interface {
	Summary() pipeline.Summary
}

// StatsHandler serves the pipeline counters as JSON.
func StatsHandler(stats StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := jsoniter.Marshal(stats.Summary())
		if err != nil {
			log.Warn("failed to marshal pipeline stats", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}
}
