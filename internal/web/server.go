package web

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noahxzhu/chrono-capsule/internal/model"
	"github.com/noahxzhu/chrono-capsule/internal/registry"
	"github.com/noahxzhu/chrono-capsule/internal/storage"
)

//go:embed templates/*
var templateFS embed.FS

// datetime-local input format, interpreted in the display zone.
const localLayout = "2006-01-02T15:04"

type Refresher interface {
	Refresh()
}

type Server struct {
	users    *registry.Users
	capsules *registry.Capsules
	router   *http.ServeMux
	worker   Refresher
	display  *time.Location
}

func NewServer(users *registry.Users, capsules *registry.Capsules, w Refresher, display *time.Location) *Server {
	if display == nil {
		display = time.UTC
	}
	s := &Server{
		users:    users,
		capsules: capsules,
		router:   http.NewServeMux(),
		worker:   w,
		display:  display,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// HTML
	s.router.HandleFunc("GET /{$}", s.handleIndex)
	s.router.HandleFunc("POST /users", s.handleAddUserForm)
	s.router.HandleFunc("POST /capsules", s.handleAddCapsuleForm)

	// JSON
	s.router.HandleFunc("GET /api/users", s.handleListUsers)
	s.router.HandleFunc("POST /api/users", s.handleCreateUser)
	s.router.HandleFunc("GET /api/users/{id}", s.handleGetUser)
	s.router.HandleFunc("GET /api/capsules", s.handleListCapsules)
	s.router.HandleFunc("POST /api/capsules", s.handleCreateCapsule)
	s.router.HandleFunc("POST /api/deliver", s.handleDeliver)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type userInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (in userInput) validate() error {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Email) == "" {
		return errors.New("name and email are required")
	}
	return nil
}

type capsuleInput struct {
	Title          string `json:"title"`
	Message        string `json:"message"`
	RecipientEmail string `json:"recipient_email"`
	UserID         string `json:"user_id"`
	ScheduledTime  string `json:"scheduled_time"`
}

func (in capsuleInput) validate() error {
	var missing []string
	if strings.TrimSpace(in.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(in.Message) == "" {
		missing = append(missing, "message")
	}
	if strings.TrimSpace(in.RecipientEmail) == "" && in.UserID == "" {
		missing = append(missing, "recipient_email or user_id")
	}
	if in.ScheduledTime == "" {
		missing = append(missing, "scheduled_time")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// parseScheduled accepts RFC 3339, or a wall-clock time in the display zone.
func (s *Server) parseScheduled(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(localLayout, v, s.display)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid scheduled_time %q", v)
	}
	return t, nil
}

func (s *Server) createCapsule(r *http.Request, in capsuleInput) (model.Capsule, int, error) {
	if err := in.validate(); err != nil {
		return model.Capsule{}, http.StatusBadRequest, err
	}
	at, err := s.parseScheduled(in.ScheduledTime)
	if err != nil {
		return model.Capsule{}, http.StatusBadRequest, err
	}

	var c model.Capsule
	// A typed address wins over the user picker.
	if email := strings.TrimSpace(in.RecipientEmail); email != "" {
		c, err = s.capsules.Create(r.Context(), in.Title, in.Message, email, at)
	} else {
		c, err = s.capsules.CreateForUser(r.Context(), in.Title, in.Message, in.UserID, at)
	}
	if err != nil {
		return model.Capsule{}, statusFor(err), err
	}

	if s.worker != nil {
		s.worker.Refresh()
	}
	return c, http.StatusCreated, nil
}

func statusFor(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// JSON handlers

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in userInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if err := in.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := s.users.Create(r.Context(), strings.TrimSpace(in.Name), strings.TrimSpace(in.Email))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	var (
		capsules []model.Capsule
		err      error
	)
	pending, _ := strconv.ParseBool(r.URL.Query().Get("pending"))
	if pending {
		capsules, err = s.capsules.ListPending(r.Context())
	} else {
		capsules, err = s.capsules.ListAll(r.Context())
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, capsules)
}

func (s *Server) handleCreateCapsule(w http.ResponseWriter, r *http.Request) {
	var in capsuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	c, status, err := s.createCapsule(r, in)
	if err != nil {
		writeError(w, status, err)
		return
	}
	writeJSON(w, status, c)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("delivery worker not running"))
		return
	}
	s.worker.Refresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HTML handlers

type capsuleView struct {
	Title     string
	Recipient string
	Scheduled string
	Delivered bool
}

type indexData struct {
	Users    []model.User
	Capsules []capsuleView
	Zone     string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		http.Error(w, "Failed to load users: "+err.Error(), http.StatusInternalServerError)
		return
	}
	capsules, err := s.capsules.ListAll(r.Context())
	if err != nil {
		http.Error(w, "Failed to load capsules: "+err.Error(), http.StatusInternalServerError)
		return
	}

	data := indexData{Users: users, Zone: s.display.String()}
	for _, c := range capsules {
		data.Capsules = append(data.Capsules, capsuleView{
			Title:     c.Title,
			Recipient: c.RecipientEmail,
			Scheduled: c.ScheduledTime.In(s.display).Format("2006-01-02 15:04"),
			Delivered: c.IsDelivered,
		})
	}
	s.renderTemplate(w, "index.html", data)
}

func (s *Server) handleAddUserForm(w http.ResponseWriter, r *http.Request) {
	in := userInput{Name: r.FormValue("name"), Email: r.FormValue("email")}
	if err := in.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.users.Create(r.Context(), strings.TrimSpace(in.Name), strings.TrimSpace(in.Email)); err != nil {
		http.Error(w, "Failed to save: "+err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleAddCapsuleForm(w http.ResponseWriter, r *http.Request) {
	in := capsuleInput{
		Title:          r.FormValue("title"),
		Message:        r.FormValue("message"),
		RecipientEmail: r.FormValue("recipient_email"),
		UserID:         r.FormValue("user_id"),
		ScheduledTime:  r.FormValue("datetime"),
	}
	if _, status, err := s.createCapsule(r, in); err != nil {
		http.Error(w, "Failed to save: "+err.Error(), status)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) renderTemplate(w http.ResponseWriter, tmplName string, data any) {
	tmpl, err := template.ParseFS(templateFS, "templates/"+tmplName)
	if err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, fmt.Sprintf("Execute error: %v", err), http.StatusInternalServerError)
	}
}
