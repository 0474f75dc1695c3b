package frontend

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/oluso/ldapbridge/internal/monitoring"
)

func TestMetricsEndpointIsRegistered(t *testing.T) {
	mux := http.NewServeMux()
	monitoring.NewAPI(zerolog.Nop()).RegisterEndpoints(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Errorf("unexpected response: %v", res.Status)
	}
}
