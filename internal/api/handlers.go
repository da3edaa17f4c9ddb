package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"reminderd/internal/lifecycle"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
)

const maxBody = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeFail(w, http.StatusBadRequest, errorBody{Code: codeBadRequest, Message: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func owner(r *http.Request) string {
	o, _ := OwnerFrom(r.Context())
	return o
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ListFilter{Status: reminder.Status(q.Get("status"))}
	var err error
	if v := q.Get("active"); v != "" {
		if f.ActiveOnly, err = strconv.ParseBool(v); err != nil {
			s.writeError(w, r, reminder.Invalid("active", "must be true or false"))
			return
		}
	}
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.List(r.Context(), owner(r), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*reminder.Reminder{}
	}
	writeJSON(w, http.StatusOK, list)
}

func intParam(v, field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, reminder.Invalid(field, "must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.CreateInput
	if !decode(w, r, &in) {
		return
	}
	rem, err := s.svc.Create(r.Context(), owner(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rem, err := s.svc.Get(r.Context(), owner(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.UpdateInput
	if !decode(w, r, &in) {
		return
	}
	rem, err := s.svc.Update(r.Context(), owner(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), owner(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id")})
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Minutes int `json:"minutes"`
	}
	if !decode(w, r, &in) {
		return
	}
	rem, err := s.svc.Snooze(r.Context(), owner(r), chi.URLParam(r, "id"), in.Minutes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	rem, err := s.svc.Dismiss(r.Context(), owner(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Preferences(r.Context(), owner(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email           string                `json:"email"`
		PushTarget      string                `json:"pushTarget"`
		DefaultChannels *reminder.Channels    `json:"defaultChannels"`
		LeadMinutes     map[reminder.Kind]int `json:"leadMinutes"`
	}
	if !decode(w, r, &in) {
		return
	}
	p, err := s.svc.SetPreferences(r.Context(), owner(r), reminder.Preferences{
		Email:           in.Email,
		PushTarget:      in.PushTarget,
		DefaultChannels: in.DefaultChannels,
		LeadMinutes:     in.LeadMinutes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpsertTarget is the domain-module entry point. A null or missing
// dueAt removes the target's reminder.
func (s *Server) handleUpsertTarget(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Kind        reminder.Kind      `json:"kind"`
		DueAt       *time.Time         `json:"dueAt"`
		LeadMinutes *int               `json:"leadMinutes"`
		Message     string             `json:"message"`
		Channels    *reminder.Channels `json:"deliveryChannels"`
	}
	if !decode(w, r, &in) {
		return
	}
	rem, err := s.svc.UpsertForTarget(r.Context(), lifecycle.UpsertInput{
		Owner:       owner(r),
		Kind:        in.Kind,
		Target:      reminder.Target{RefKind: chi.URLParam(r, "refKind"), RefID: chi.URLParam(r, "refID")},
		DueAt:       in.DueAt,
		LeadMinutes: in.LeadMinutes,
		Message:     in.Message,
		Channels:    in.Channels,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rem == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.subs == nil {
		writeFail(w, http.StatusNotFound, errorBody{Code: codeNotFound, Message: "in-app channel disabled"})
		return
	}
	s.subs.ServeWS(w, r, owner(r))
}
