package server

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/samber/lo"

	"lookout/internal/database"
	"lookout/internal/events"
	"lookout/internal/models"
)

func intParam(q url.Values, name string, def, min, max int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, badRequest("%s must be an integer in [%d, %d]", name, min, max)
	}
	return v, nil
}

func (s *Server) listDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit", database.DefaultListLimit, 1, database.MaxListLimit)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	offset, err := intParam(q, "offset", 0, 0, int(^uint(0)>>1))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	filter := database.EventFilter{
		Limit:     limit,
		Offset:    offset,
		ModelType: q.Get("model"),
		JobID:     q.Get("job_id"),
	}
	if raw := q.Get("camera_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(r.Context(), w, badRequest("invalid camera_id %q", raw))
			return
		}
		filter.CameraID = &id
	}

	list, err := s.opts.Events.ListEvents(r.Context(), filter)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if list == nil {
		list = []*events.Event{}
	}
	s.writeJSON(r.Context(), w, http.StatusOK, list)
}

func (s *Server) statsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.opts.Events.Summary(r.Context())
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, summary)
}

func (s *Server) statsClasses(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		model = "all"
	}
	classes, err := s.opts.Events.Classes(r.Context(), model)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if classes == nil {
		classes = []string{}
	}
	s.writeJSON(r.Context(), w, http.StatusOK, classes)
}

func (s *Server) topClasses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit", 10, 1, 100)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	days, err := intParam(q, "days", 7, 1, 365)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	top, err := s.opts.Events.TopClasses(r.Context(), limit, since)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if top == nil {
		top = []database.ClassCount{}
	}
	s.writeJSON(r.Context(), w, http.StatusOK, top)
}

type modelList struct {
	Count int   `json:"count"`
	Items []any `json:"items"`
}

// listModels returns registry keys, or full specs with details=true
func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	specs := s.opts.Models.Filter(q.Get("provider"), q.Get("task"), q.Get("q"))
	details, _ := strconv.ParseBool(q.Get("details"))

	items := lo.Map(specs, func(spec models.Spec, _ int) any {
		if details {
			return spec
		}
		return spec.Key
	})
	s.writeJSON(r.Context(), w, http.StatusOK, modelList{Count: len(items), Items: items})
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	key := s.mux.Vars(r)["key"]
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}
	spec, err := s.opts.Models.Get(key)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, spec)
}
