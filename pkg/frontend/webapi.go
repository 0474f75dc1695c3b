package frontend

import (
	"fmt"
	"net/http"

	"github.com/arl/statsviz"

	"github.com/oluso/ldapbridge/internal/monitoring"
)

// RunAPI provides a basic REST API
func RunAPI(opts ...Option) {
	options := newOptions(opts...)
	log := options.Logger
	cfg := options.Config

	router := http.DefaultServeMux

	monitoring.NewAPI(log).RegisterEndpoints(router)

	if cfg.Internals {
		if err := statsviz.Register(router); err != nil {
			log.Error().Err(err).Msg("unable to register the runtime internals endpoint")
		}
	}

	if cfg.TLS {
		log.Info().Str("address", cfg.Listen).Msg("Starting HTTPS server")

		monitoring.NewCollector(fmt.Sprintf("https://%s/debug/vars", cfg.Listen))
		if err := http.ListenAndServeTLS(cfg.Listen, cfg.Cert, cfg.Key, nil); err != nil {
			log.Error().Err(err).Msg("error starting HTTPS server")
		}

		return
	}

	log.Info().Str("address", cfg.Listen).Msg("Starting HTTP server")
	monitoring.NewCollector(fmt.Sprintf("http://%s/debug/vars", cfg.Listen))

	if err := http.ListenAndServe(cfg.Listen, nil); err != nil {
		log.Error().Err(err).Msg("error starting HTTP server")
	}
}
