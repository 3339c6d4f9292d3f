package apitest

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fixdesk/internal/model"
)

const dateLayout = "2006-01-02"

// AddTicket stores t under kind. ID, status and timestamps are filled in when
// empty. The stored ticket is returned.
func (s *Server) AddTicket(kind model.TicketKind, t model.Ticket) model.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(kind, t)
}

func (s *Server) addLocked(kind model.TicketKind, t model.Ticket) model.Ticket {
	if t.ID == "" {
		s.nextID++
		t.ID = strconv.Itoa(s.nextID)
	}
	if t.Status == "" {
		t.Status = model.StatusNew
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	s.tickets[kind] = append(s.tickets[kind], t)
	return t
}

// Ticket returns the stored ticket with id.
func (s *Server) Ticket(kind model.TicketKind, id string) (model.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(kind, id)
	if i < 0 {
		return model.Ticket{}, false
	}
	return s.tickets[kind][i], true
}

func (s *Server) indexLocked(kind model.TicketKind, id string) int {
	for i, t := range s.tickets[kind] {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (s *Server) ticketRoutes(r chi.Router, kind model.TicketKind) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) { s.list(w, r, kind) })
	r.Post("/", func(w http.ResponseWriter, r *http.Request) { s.create(w, r, kind) })
	r.With(adminOnly).Get("/statistics", func(w http.ResponseWriter, r *http.Request) { s.stats(w, r, kind) })
	r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) { s.get(w, r, kind) })
	r.With(adminOnly).Patch("/{id}", func(w http.ResponseWriter, r *http.Request) { s.patch(w, r, kind) })
	r.Post("/{id}/images", func(w http.ResponseWriter, r *http.Request) { s.images(w, r, kind) })
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, _ := userFrom(r.Context()); !u.Role.IsAdmin() {
			fail(w, http.StatusForbidden, "Access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matches applies the list filters the client sends.
func matches(t model.Ticket, q url.Values, caller model.User) bool {
	if s := strings.ToLower(q.Get("search")); s != "" &&
		!strings.Contains(strings.ToLower(t.Title), s) &&
		!strings.Contains(strings.ToLower(t.Description), s) {
		return false
	}
	if v := q.Get("status"); v != "" && t.Status != v {
		return false
	}
	if v := q.Get("type"); v != "" && t.TypeOfDamage != v {
		return false
	}
	day := t.CreatedAt.In(time.Local).Format(dateLayout)
	if v := q.Get("startDate"); v != "" && day < v {
		return false
	}
	if v := q.Get("endDate"); v != "" && day > v {
		return false
	}
	if q.Get("createdByMe") == "true" && (t.CreatedBy == nil || t.CreatedBy.ID != caller.ID) {
		return false
	}
	return true
}

func intParam(q url.Values, key string, def int) int {
	n, err := strconv.Atoi(q.Get(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}

// list answers newest first. Count and statusCounts cover every match, not
// just the page.
func (s *Server) list(w http.ResponseWriter, r *http.Request, kind model.TicketKind) {
	q := r.URL.Query()
	u, _ := userFrom(r.Context())
	limit := intParam(q, "limit", 20)
	offset := intParam(q, "offset", 0)

	s.mu.Lock()
	s.queries = append(s.queries, q)
	all := s.tickets[kind]
	var found []model.Ticket
	counts := model.StatusCounts{}
	for i := len(all) - 1; i >= 0; i-- {
		if matches(all[i], q, u) {
			found = append(found, all[i])
			counts[all[i].Status]++
		}
	}
	s.mu.Unlock()

	page := []model.Ticket{}
	if offset < len(found) {
		page = found[offset:min(offset+limit, len(found))]
	}
	ok(w, http.StatusOK, model.Page{Tickets: page, Count: len(found), StatusCounts: counts})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, kind model.TicketKind) {
	t, found := s.Ticket(kind, chi.URLParam(r, "id"))
	if !found {
		fail(w, http.StatusNotFound, "Ticket not found")
		return
	}
	ok(w, http.StatusOK, map[string]any{"ticket": t})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, kind model.TicketKind) {
	var in model.NewTicket
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	required := []struct{ name, v string }{
		{"title", in.Title},
		{"description", in.Description},
		{"department", in.Department},
		{"area", in.Area},
		{"typeOfDamage", in.TypeOfDamage},
	}
	for _, f := range required {
		if strings.TrimSpace(f.v) == "" {
			fail(w, http.StatusBadRequest, f.name+" is required")
			return
		}
	}
	u, _ := userFrom(r.Context())
	t := s.AddTicket(kind, model.Ticket{
		Title:        in.Title,
		Description:  in.Description,
		Department:   in.Department,
		Area:         in.Area,
		TypeOfDamage: in.TypeOfDamage,
		CreatedBy:    &u,
	})
	ok(w, http.StatusCreated, map[string]any{"ticket": t})
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request, kind model.TicketKind) {
	var p model.TicketPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Empty() {
		fail(w, http.StatusBadRequest, "Nothing to update")
		return
	}
	if p.Status != nil && *p.Status == "" {
		fail(w, http.StatusBadRequest, "status is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(kind, chi.URLParam(r, "id"))
	if i < 0 {
		fail(w, http.StatusNotFound, "Ticket not found")
		return
	}
	t := &s.tickets[kind][i]
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AssignTo != nil {
		t.AssignedTo = *p.AssignTo
	}
	if p.AdminNotes != nil {
		t.AdminNotes = *p.AdminNotes
	}
	if p.InformationBy != nil {
		t.InformationBy = *p.InformationBy
	}
	t.UpdatedAt = s.now()
	ok(w, http.StatusOK, map[string]any{"ticket": *t})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request, kind model.TicketKind) {
	st := model.Stats{ByStatus: map[string]int{}, ByDepartment: map[string]int{}, ByDamageType: map[string]int{}}
	s.mu.Lock()
	for _, t := range s.tickets[kind] {
		st.Total++
		st.ByStatus[t.Status]++
		st.ByDepartment[t.Department]++
		st.ByDamageType[t.TypeOfDamage]++
	}
	s.mu.Unlock()
	ok(w, http.StatusOK, map[string]any{"stats": st})
}

const maxImageBytes = 10 << 20

func (s *Server) images(w http.ResponseWriter, r *http.Request, kind model.TicketKind) {
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		fail(w, http.StatusBadRequest, "Invalid upload")
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		fail(w, http.StatusBadRequest, "No images provided")
		return
	}
	asAdmin := r.FormValue("isAdmin") == "true"
	if u, _ := userFrom(r.Context()); asAdmin && !u.Role.IsAdmin() {
		fail(w, http.StatusForbidden, "Only admins can upload completion photos")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(kind, chi.URLParam(r, "id"))
	if i < 0 {
		fail(w, http.StatusNotFound, "Ticket not found")
		return
	}
	out := make([]model.Image, 0, len(files))
	for _, fh := range files {
		if fh.Size > maxImageBytes {
			fail(w, http.StatusRequestEntityTooLarge, "Image too large")
			return
		}
		out = append(out, model.Image{
			ID:      uuid.Must(uuid.NewV4()).String(),
			URL:     "/uploads/" + fh.Filename,
			IsAdmin: asAdmin,
		})
	}
	s.tickets[kind][i].Images = append(s.tickets[kind][i].Images, out...)
	ok(w, http.StatusOK, map[string]any{"images": out})
}
