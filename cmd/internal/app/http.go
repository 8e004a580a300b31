package app

import (
	"net/http"
	"time"

	"arena/cmd/internal/httpapi"
	"arena/cmd/internal/realtime"
	"arena/cmd/internal/store"
	"arena/cmd/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
)

const readyTimeout = 2 * time.Second

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	st store.Store,
	metrics *telemetry.Metrics,
	ws *realtime.Gateway,
	api *httpapi.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbPool != nil {
			if err := PingDB(r.Context(), dbPool, readyTimeout); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if st != nil {
			if err := PingStore(r.Context(), st, readyTimeout); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				log.Info("readyz.store.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	if api != nil {
		apiMux := http.NewServeMux()
		api.Register(apiMux)
		mux.Handle(httpapi.Prefix+"/", WithCORS(apiMux, cfg, log))
	}

	if ws != nil {
		mux.HandleFunc("/ws", ws.HandleWS)
	}
}
