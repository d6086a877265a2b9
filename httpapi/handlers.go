package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"signflow/apperr"
	"signflow/bulk"
	"signflow/fields"
	"signflow/lifecycle"
	"signflow/signature"
	"signflow/signing"
)

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.CreateInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	detail, err := s.svc.Requests.CreateRequest(r.Context(), actorFrom(r.Context()), in)
	respond(s, w, r, http.StatusCreated, detail, err)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := lifecycle.ListParams{
		View:   q.Get("view"),
		Search: q.Get("search"),
	}
	var err error
	if p.Page, err = intParam(q.Get("page")); err != nil {
		s.fail(w, r, apperr.Validation("page must be a number", map[string]any{"field": "page"}))
		return
	}
	if p.PageSize, err = intParam(q.Get("page_size")); err != nil {
		s.fail(w, r, apperr.Validation("page_size must be a number", map[string]any{"field": "page_size"}))
		return
	}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				p.Statuses = append(p.Statuses, signature.RequestStatus(st))
			}
		}
	}
	page, err := s.svc.Requests.ListRequests(r.Context(), actorFrom(r.Context()), p)
	respond(s, w, r, http.StatusOK, page, err)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.Requests.GetRequest(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	respond(s, w, r, http.StatusOK, detail, err)
}

func (s *Server) updateRequest(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.UpdateInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.svc.Requests.UpdateRequest(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), in)
	respond(s, w, r, http.StatusOK, req, err)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decodeOptional(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.svc.Requests.CancelRequest(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), body.Reason)
	respond(s, w, r, http.StatusOK, req, err)
}

func (s *Server) deleteRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.svc.Requests.DeleteRequest(r.Context(), id, actorFrom(r.Context()))
	respond(s, w, r, http.StatusOK, map[string]any{"id": id, "deleted": true}, err)
}

type extendBody struct {
	Days int `json:"days"`
}

func (s *Server) extendExpiration(w http.ResponseWriter, r *http.Request) {
	var body extendBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.svc.Expiration.ExtendExpiration(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), body.Days)
	respond(s, w, r, http.StatusOK, req, err)
}

type fieldsBody struct {
	Fields []fields.Field `json:"fields"`
}

func (s *Server) saveFields(w http.ResponseWriter, r *http.Request) {
	var body fieldsBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	saved, err := s.svc.Fields.SaveFieldConfiguration(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), body.Fields)
	respond(s, w, r, http.StatusOK, saved, err)
}

type signBody struct {
	SignatureData   string `json:"signature_data"`
	SignatureMethod string `json:"signature_method"`
	TOTPCode        string `json:"totp_code,omitempty"`
	Location        string `json:"location,omitempty"`
}

func (s *Server) sign(w http.ResponseWriter, r *http.Request) {
	var body signBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.svc.Signing.Sign(r.Context(), signing.SignInput{
		RequestID:     chi.URLParam(r, "id"),
		SignerID:      chi.URLParam(r, "sid"),
		Actor:         actorFrom(r.Context()),
		SignatureData: body.SignatureData,
		Method:        body.SignatureMethod,
		TOTPCode:      body.TOTPCode,
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
		Location:      body.Location,
	})
	respond(s, w, r, http.StatusOK, out, err)
}

func (s *Server) signingPermission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Requests.GetRequest(r.Context(), id, actorFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	allowed, err := s.svc.Signing.ValidateSigningPermission(r.Context(), id, chi.URLParam(r, "sid"))
	respond(s, w, r, http.StatusOK, map[string]bool{"allowed": allowed}, err)
}

type statusBody struct {
	Status        signature.SignerStatus `json:"status"`
	DeclineReason string                 `json:"decline_reason,omitempty"`
	Location      string                 `json:"location,omitempty"`
}

func (s *Server) updateSignerStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	actor := actorFrom(r.Context())
	signer, err := s.svc.Signing.UpdateSignerStatus(r.Context(), chi.URLParam(r, "sid"), body.Status, signing.StatusExtra{
		Actor:         &actor,
		DeclineReason: body.DeclineReason,
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
		Location:      body.Location,
	})
	respond(s, w, r, http.StatusOK, signer, err)
}

type bulkBody struct {
	Operation bulk.OpType `json:"operation"`
	IDs       []string    `json:"ids"`
	Params    bulk.Params `json:"params"`
}

func (s *Server) executeBulk(w http.ResponseWriter, r *http.Request) {
	var body bulkBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Bulk.ExecuteBulkOperation(r.Context(), actorFrom(r.Context()), body.Operation, body.IDs, body.Params)
	respond(s, w, r, http.StatusOK, res, err)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
