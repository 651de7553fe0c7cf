package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
	"git.home.luguber.info/inful/prbuild/internal/logfields"
)

// writeJSON renders a payload with the API response conventions: CORS open,
// caching off, compact=1 for whitespace-free output and as_file=1 for a
// download disposition.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, data any) {
	var body []byte
	var err error
	if r.URL.Query().Get("compact") == "1" {
		body, err = json.Marshal(data)
	} else {
		body, err = json.MarshalIndent(data, "", "  ")
	}
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Pragma", "no-cache")
	if r.URL.Query().Get("as_file") == "1" {
		h.Set("Content-Disposition", `attachment; filename="response.json"`)
	}
	w.WriteHeader(code)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := derrors.StatusCode(err)
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="prbuild"`)
	}
	s.adapter.LogError(err, logfields.Method(r.Method), logfields.Path(r.URL.Path))
	writeJSON(w, r, code, derrors.Payload(err))
}

func pathID(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, derrors.BadRequest("invalid %s '%s'", name, r.PathValue(name))
	}
	return v, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	d, err := newAPIData(r.Context(), s.svc, s.accounts, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d.index())
}

func (s *Server) handlePullRequest(w http.ResponseWriter, r *http.Request) {
	prid, err := pathID(r, "prid")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := newAPIData(r.Context(), s.svc, s.accounts, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := d.prInfo(prid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

// handlePullRequestStatus is the reduced public form consumed by the merge
// service; it never requires credentials.
func (s *Server) handlePullRequestStatus(w http.ResponseWriter, r *http.Request) {
	prid, err := pathID(r, "prid")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := newAPIData(r.Context(), s.svc, nil, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	short, err := d.prStatusShort(prid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, short)
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	prid, bid, err := pathPair(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondBuildStatus(w, r, prid, bid)
}

func pathPair(r *http.Request) (prid, bid int64, err error) {
	if prid, err = pathID(r, "prid"); err != nil {
		return
	}
	bid, err = pathID(r, "bid")
	return
}

func (s *Server) respondBuildStatus(w http.ResponseWriter, r *http.Request, prid, bid int64) {
	d, err := newAPIData(r.Context(), s.svc, s.accounts, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := d.prStatus(prid, bid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// action wraps the restart/stop/revert handlers with authentication, the
// per-action permission check and the updated_at token plumbing.
func (s *Server) action(name string, requireToken bool, run func(r *http.Request, prid, bid int64, token string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := s.accounts.identify(r)
		if user == "" {
			s.writeError(w, r, derrors.Unauthorized("authentication required"))
			return
		}
		if !s.accounts.Allowed(user, name) {
			s.writeError(w, r, derrors.Forbidden("user '%s' may not %s", user, name))
			return
		}
		prid, bid, err := pathPair(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		token := r.URL.Query().Get("updated_at")
		if requireToken && token == "" {
			s.writeError(w, r, derrors.BadRequest("updated_at parameter is missing"))
			return
		}
		if err := run(r, prid, bid, token); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("user action",
			logfields.User(user),
			slog.String("action", name),
			logfields.PR(prid),
			logfields.BuilderID(bid))
		s.respondBuildStatus(w, r, prid, bid)
	}
}

func (s *Server) handleAuthInfo(w http.ResponseWriter, r *http.Request) {
	user := s.accounts.identify(r)
	if user == "" {
		s.writeError(w, r, derrors.NotFound("not authorized"))
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": s.svc.Name(),
	})
}
