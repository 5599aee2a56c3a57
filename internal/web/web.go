package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/schedule"
	"calsync/internal/store"
)

// RecordStore is the read side of the sync state store.
type RecordStore interface {
	ListRecords(ctx context.Context, f store.RecordFilter) ([]model.SyncRecord, error)
	StatusSummary(ctx context.Context) ([]store.StatusCount, error)
}

// RunSource exposes scheduler state. It may be nil outside daemon mode.
type RunSource interface {
	LastReports() []reconcile.Report
	Jobs() []schedule.Job
}

// Server provides the read-only status API of the daemon.
type Server struct {
	cfg  *config.Config
	st   RecordStore
	runs RunSource
	mux  *http.ServeMux

	// In-memory cache for /api/summary; the dashboard polls it.
	summaryMu    sync.RWMutex
	summaryCache *summaryCache
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st RecordStore, runs RunSource) *Server {
	s := &Server{
		cfg:  cfg,
		st:   st,
		runs: runs,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/records", s.handleRecords)
	s.mux.HandleFunc("GET /api/summary", s.handleSummary)
	s.mux.HandleFunc("GET /api/runs", s.handleRuns)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// recordDTO is the JSON view of a sync record.
type recordDTO struct {
	ActivityID   int64     `json:"activity_id"`
	ActivityType string    `json:"activity_type"`
	OccurrenceID int64     `json:"occurrence_id,omitempty"`
	Calendar     string    `json:"calendar"`
	ExternalID   string    `json:"external_id,omitempty"`
	ChangeKey    string    `json:"change_key,omitempty"`
	WebLink      string    `json:"web_link,omitempty"`
	Status       int       `json:"status"`
	StatusName   string    `json:"status_name"`
	TimeSynced   time.Time `json:"time_synced"`
}

type recordsResponse struct {
	Records []recordDTO `json:"records"`
	Count   int         `json:"count"`
}

// handleRecords lists sync records.
//
// GET /api/records?status=3&status=5&calendar=senior
//   - status:   repeatable status filter; "failed" expands to 3, 4 and 5
//   - calendar: destination calendar name
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RecordFilter{Calendar: q.Get("calendar")}
	for _, raw := range q["status"] {
		for _, v := range strings.Split(raw, ",") {
			v = strings.TrimSpace(v)
			if v == "failed" {
				f.Statuses = append(f.Statuses, model.StatusDeleteFailed, model.StatusUpdateFailed, model.StatusCreateFailed)
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(v))
				return
			}
			f.Statuses = append(f.Statuses, model.SyncStatus(n))
		}
	}

	recs, err := s.st.ListRecords(r.Context(), f)
	if err != nil {
		appLog.Error("api records: query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	resp := recordsResponse{Records: make([]recordDTO, 0, len(recs)), Count: len(recs)}
	for _, rec := range recs {
		resp.Records = append(resp.Records, recordDTO{
			ActivityID:   rec.ActivityID,
			ActivityType: string(rec.ActivityType),
			OccurrenceID: rec.OccurrenceID,
			Calendar:     rec.Calendar,
			ExternalID:   rec.ExternalID,
			ChangeKey:    rec.ChangeKey,
			WebLink:      rec.WebLink,
			Status:       int(rec.Status),
			StatusName:   rec.Status.String(),
			TimeSynced:   rec.TimeSynced,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type calendarSummary struct {
	Calendar string         `json:"calendar"`
	Total    int            `json:"total"`
	Statuses map[string]int `json:"statuses"`
}

type summaryResponse struct {
	Calendars []calendarSummary `json:"calendars"`
	Failed    int               `json:"failed"`
}

// summaryCache holds a cached /api/summary response and its timestamp.
type summaryCache struct {
	resp      summaryResponse
	updatedAt time.Time
}

// handleSummary returns record counts per calendar and status.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	const summaryCacheTTL = 10 * time.Second
	now := time.Now()

	s.summaryMu.RLock()
	sc := s.summaryCache
	s.summaryMu.RUnlock()
	if sc != nil && now.Sub(sc.updatedAt) < summaryCacheTTL {
		writeJSON(w, http.StatusOK, sc.resp)
		return
	}

	counts, err := s.st.StatusSummary(r.Context())
	if err != nil {
		appLog.Error("api summary: query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to summarise records")
		return
	}

	resp := summaryResponse{Calendars: []calendarSummary{}}
	index := make(map[string]int)
	for _, c := range counts {
		i, ok := index[c.Calendar]
		if !ok {
			i = len(resp.Calendars)
			index[c.Calendar] = i
			resp.Calendars = append(resp.Calendars, calendarSummary{Calendar: c.Calendar, Statuses: map[string]int{}})
		}
		resp.Calendars[i].Total += c.Count
		resp.Calendars[i].Statuses[c.Status.String()] += c.Count
		if c.Status != model.StatusSynced {
			resp.Failed += c.Count
		}
	}

	s.summaryMu.Lock()
	s.summaryCache = &summaryCache{resp: resp, updatedAt: time.Now()}
	s.summaryMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

type runDTO struct {
	reconcile.Report
	Errors []string `json:"errors,omitempty"`
}

type runsResponse struct {
	Jobs []schedule.Job `json:"jobs"`
	Last []runDTO       `json:"last"`
}

// handleRuns returns the scheduled jobs and the last report of each mode.
func (s *Server) handleRuns(w http.ResponseWriter, _ *http.Request) {
	resp := runsResponse{Jobs: []schedule.Job{}, Last: []runDTO{}}
	if s.runs != nil {
		if jobs := s.runs.Jobs(); jobs != nil {
			resp.Jobs = jobs
		}
		for _, rep := range s.runs.LastReports() {
			dto := runDTO{Report: rep}
			for _, err := range rep.Errors {
				dto.Errors = append(dto.Errors, err.Error())
			}
			resp.Last = append(resp.Last, dto)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
