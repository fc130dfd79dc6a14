package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/errors"
)

// handlePutBroker stores a box's broker configuration and hands it to the
// connection manager. Persist first: if the store write fails the fleet keeps
// the old subscription, if only the manager lags the config survives a restart.
func (s *Server) handlePutBroker(w http.ResponseWriter, r *http.Request) {
	const route = "broker_put"
	boxID := r.PathValue("boxID")

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	var cfg box.BrokerConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		s.writeError(w, route, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrDecode, err),
			"Server", "handlePutBroker", "decode broker config"))
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(w, route, err)
		return
	}

	if err := s.brokerStore.SetBroker(r.Context(), boxID, &cfg); err != nil {
		s.writeError(w, route, err)
		return
	}
	if err := s.manager.Apply(boxID, &cfg); err != nil {
		s.writeError(w, route, err)
		return
	}

	s.countRequest(route, http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteBroker clears the configuration and tears the actor down.
func (s *Server) handleDeleteBroker(w http.ResponseWriter, r *http.Request) {
	const route = "broker_delete"
	boxID := r.PathValue("boxID")

	if err := s.brokerStore.SetBroker(r.Context(), boxID, nil); err != nil {
		s.writeError(w, route, err)
		return
	}
	if err := s.manager.Apply(boxID, nil); err != nil {
		s.writeError(w, route, err)
		return
	}

	s.countRequest(route, http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}
