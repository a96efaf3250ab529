package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cast"
)

// SimulatorState is what GET /api/state reports.
type SimulatorState struct {
	BPM        int     `json:"bpm"`
	Available  bool    `json:"available"`
	Authorized bool    `json:"authorized"`
	AmplitudeG float64 `json:"amplitudeG"`
	HasMotion  bool    `json:"hasMotion"`
}

// SimulatorServer exposes the simulated sensors over HTTP so a running
// peripheral can be steered from a browser or curl.
type SimulatorServer struct {
	heartRate *SimulatedHeartRateSource
	motion    *SimulatedMotionSource
	logger    *log.Logger

	server *http.Server
	wg     sync.WaitGroup
}

// NewSimulatorServer serves on addr. motion may be nil.
func NewSimulatorServer(addr string, heartRate *SimulatedHeartRateSource, motion *SimulatedMotionSource, logger *log.Logger) *SimulatorServer {
	if heartRate == nil {
		panic("SimulatorServer: heart rate source cannot be nil")
	}
	if logger == nil {
		panic("SimulatorServer: logger cannot be nil")
	}
	s := &SimulatorServer{heartRate: heartRate, motion: motion, logger: logger}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *SimulatorServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/state", s.handleGetState).Methods(http.MethodGet)
	r.HandleFunc("/api/set", s.handleSet).Methods(http.MethodPost)
	return r
}

func (s *SimulatorServer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("SimulatorServer: listening on http://%s", s.server.Addr)
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("SimulatorServer: %v", err)
		}
	}()
}

func (s *SimulatorServer) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *SimulatorServer) state() SimulatorState {
	bpm, available := s.heartRate.State()
	st := SimulatorState{
		BPM:        bpm,
		Available:  available,
		Authorized: s.heartRate.Authorize(context.Background()),
	}
	if s.motion != nil {
		st.HasMotion = true
		st.AmplitudeG = s.motion.Amplitude()
	}
	return st
}

func (s *SimulatorServer) handleGetState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.state()); err != nil {
		s.logger.Printf("SimulatorServer: encode state: %v", err)
	}
}

// handleSet accepts any of bpm, available, authorized and amplitude as query
// parameters. Nothing is applied if one of them does not parse.
func (s *SimulatorServer) handleSet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var updates []func()

	if v := q.Get("bpm"); v != "" {
		bpm, err := cast.ToIntE(v)
		if err != nil || bpm < 0 {
			http.Error(w, fmt.Sprintf("invalid bpm %q", v), http.StatusBadRequest)
			return
		}
		updates = append(updates, func() { s.heartRate.SetBPM(bpm) })
	}
	if v := q.Get("available"); v != "" {
		available, err := cast.ToBoolE(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid available %q", v), http.StatusBadRequest)
			return
		}
		updates = append(updates, func() { s.heartRate.SetAvailable(available) })
	}
	if v := q.Get("authorized"); v != "" {
		authorized, err := cast.ToBoolE(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid authorized %q", v), http.StatusBadRequest)
			return
		}
		updates = append(updates, func() { s.heartRate.SetAuthorized(authorized) })
	}
	if v := q.Get("amplitude"); v != "" {
		if s.motion == nil {
			http.Error(w, "no simulated motion source", http.StatusConflict)
			return
		}
		g, err := cast.ToFloat64E(v)
		if err != nil || g < 0 {
			http.Error(w, fmt.Sprintf("invalid amplitude %q", v), http.StatusBadRequest)
			return
		}
		updates = append(updates, func() { s.motion.SetAmplitude(g) })
	}

	for _, apply := range updates {
		apply()
	}
	s.logger.Printf("SimulatorServer: applied %d setting(s)", len(updates))
	s.handleGetState(w, r)
}
