package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kabili207/rollcall/pkg/auth"
	"github.com/kabili207/rollcall/pkg/codec"
	"github.com/kabili207/rollcall/pkg/config"
	"github.com/kabili207/rollcall/pkg/dedup"
	"github.com/kabili207/rollcall/pkg/gateway"
	"github.com/kabili207/rollcall/pkg/models"
	"github.com/kabili207/rollcall/pkg/session"
)

const realm = "rollcall"

// WebRouter serves the admin API of a rollcall host.
type WebRouter struct {
	Host     *session.Host
	Gateway  *gateway.Gateway
	Notifier *session.Notifier
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Admin    config.AdminSettings
	Logger   *slog.Logger
	// Heartbeat is the SSE keep-alive interval. Defaults to 30s.
	Heartbeat time.Duration
	// StartTimeout bounds opening a session on behalf of a request.
	StartTimeout time.Duration
}

func (wr *WebRouter) log() *slog.Logger {
	if wr.Logger == nil {
		return slog.Default()
	}
	return wr.Logger
}

// Handler builds the routed and wrapped handler.
func (wr *WebRouter) Handler() http.Handler {
	myRouter := mux.NewRouter().StrictSlash(true)

	api := myRouter.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", wr.startSession).Methods("POST")
	api.HandleFunc("/sessions", wr.listSessions).Methods("GET")
	api.HandleFunc("/sessions/current", wr.currentSession).Methods("GET")
	api.HandleFunc("/sessions/current", wr.stopSession).Methods("DELETE")
	api.HandleFunc("/sessions/current/attendance", wr.currentAttendance).Methods("GET")
	api.HandleFunc("/sessions/current/status/{subject}", wr.subjectStatus).Methods("GET")
	api.HandleFunc("/sessions/{id}", wr.getSession).Methods("GET")
	api.HandleFunc("/profiles", wr.getProfiles).Methods("GET")
	api.HandleFunc("/profiles/{subject}", wr.putProfile).Methods("PUT")
	api.HandleFunc("/events", wr.eventsSSE).Methods("GET")

	if wr.Gatherer != nil {
		myRouter.Handle("/metrics", promhttp.HandlerFor(wr.Gatherer, promhttp.HandlerOpts{}))
	}

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(wr.RequestLogger)
	myRouter.Use(wr.basicAuth)

	var h http.Handler = myRouter
	if len(wr.Admin.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(wr.Admin.AllowedOrigins),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE"}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		)(h)
	}
	return handlers.RecoveryHandler()(h)
}

// ListenAndServe serves the admin API on addr until ctx is done.
func (wr *WebRouter) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           wr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	wr.log().Info("admin api listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (wr *WebRouter) RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		wr.log().Info("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		// Call the next handler in the chain.
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func (wr *WebRouter) basicAuth(h http.Handler) http.Handler {
	if wr.Admin.User == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !auth.CheckCredentials(user, pass, wr.Admin.User, wr.Admin.Salt, wr.Admin.PasswordHash) {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

type StartSessionRequest struct {
	CourseName string `json:"course_name"`
}

type SessionResponse struct {
	Session *models.Session `json:"session"`
	State   session.State   `json:"state"`
	Error   string          `json:"error,omitempty"`
}

func sessionResponse(c *session.Controller) SessionResponse {
	resp := SessionResponse{Session: c.Session(), State: c.State()}
	if err := c.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (wr *WebRouter) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if wr.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wr.StartTimeout)
		defer cancel()
	}

	c, err := wr.Host.Start(ctx, req.CourseName)
	if err != nil {
		var rse *session.RadioStartError
		switch {
		case errors.Is(err, session.ErrEmptyCourseName),
			errors.Is(err, codec.ErrPayloadTooLarge),
			errors.Is(err, codec.ErrInvalidField):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.As(err, &rse):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		default:
			wr.log().Error("error starting session", "course", req.CourseName, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(c))
}

func (wr *WebRouter) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	sessions, err := wr.Gateway.Stores().Sessions.List(r.Context(), limit)
	if err != nil {
		wr.log().Error("error listing sessions", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type SessionDetailResponse struct {
	Session    *models.Session            `json:"session"`
	Attendance []*models.AttendanceRecord `json:"attendance"`
}

func (wr *WebRouter) getSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := wr.Gateway.Session(r.Context(), id)
	if errors.Is(err, gateway.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		wr.log().Error("error loading session", "session", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	records, err := wr.Gateway.SessionAttendance(r.Context(), id)
	if err != nil {
		wr.log().Error("error loading attendance", "session", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*models.AttendanceRecord{}
	}
	writeJSON(w, http.StatusOK, SessionDetailResponse{Session: sess, Attendance: records})
}

func (wr *WebRouter) current(w http.ResponseWriter) *session.Controller {
	c := wr.Host.Current()
	if c == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: session.ErrNoSession.Error()})
	}
	return c
}

func (wr *WebRouter) currentSession(w http.ResponseWriter, r *http.Request) {
	c := wr.current(w)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(c))
}

func (wr *WebRouter) stopSession(w http.ResponseWriter, r *http.Request) {
	err := wr.Host.Stop(r.Context())
	switch {
	case errors.Is(err, session.ErrNoSession):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		wr.log().Error("error closing session", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (wr *WebRouter) currentAttendance(w http.ResponseWriter, r *http.Request) {
	c := wr.current(w)
	if c == nil {
		return
	}
	sess := c.Session()
	if sess == nil {
		writeJSON(w, http.StatusOK, []*models.AttendanceRecord{})
		return
	}
	records, err := wr.Gateway.SessionAttendance(r.Context(), sess.ID)
	if err != nil {
		wr.log().Error("error loading attendance", "session", sess.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*models.AttendanceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type StatusResponse struct {
	Subject string      `json:"subject"`
	State   dedup.State `json:"state"`
	dedup.Status
}

func (wr *WebRouter) subjectStatus(w http.ResponseWriter, r *http.Request) {
	c := wr.current(w)
	if c == nil {
		return
	}
	subject := mux.Vars(r)["subject"]
	st, ok := c.Status(subject)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "subject not seen in this session"})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Subject: subject,
		State:   st.State(c.MaxAttempts()),
		Status:  st,
	})
}

func (wr *WebRouter) getProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := wr.Gateway.Stores().Profiles.GetAll(r.Context())
	if err != nil {
		wr.log().Error("error listing profiles", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if profiles == nil {
		profiles = []*models.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

type ProfileRequest struct {
	Name    string `json:"name"`
	Surname string `json:"surname"`
}

func (wr *WebRouter) putProfile(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	if _, err := codec.EncodeIdentity(codec.IdentityPacket{SubjectID: subject}); err != nil || subject == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "subject id does not fit an identity beacon"})
		return
	}

	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	p := &models.Profile{
		SubjectID: subject,
		Name:      strings.TrimSpace(req.Name),
		Surname:   strings.TrimSpace(req.Surname),
	}
	if err := wr.Gateway.UpsertProfile(r.Context(), p); err != nil {
		wr.log().Error("error saving profile", "subject", subject, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
