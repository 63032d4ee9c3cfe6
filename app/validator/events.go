package validator

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/outpace-network/validatorx/pkg/aggregator"
	"github.com/outpace-network/validatorx/pkg/types"
)

const (
	maxEventsBody = 512 << 10

	// UIDHeader carries the authenticated submitter. It is honoured only on
	// requests bearing the sentry token, i.e. from the auth proxy in front.
	UIDHeader     = "X-Session-Uid"
	countryHeader = "Cf-Ipcountry"
)

type eventsRequest struct {
	Events []types.Event `json:"events"`
}

func (a *App) postEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventsBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, aggregator.Result{StatusCode: http.StatusBadRequest, Message: "invalid body"})
		return
	}
	if len(req.Events) == 0 {
		writeJSON(w, http.StatusBadRequest, aggregator.Result{StatusCode: http.StatusBadRequest, Message: "no events"})
		return
	}

	res, err := a.Registry.Record(r.Context(), mux.Vars(r)["id"], a.session(r), req.Events)
	if errors.Is(err, aggregator.ErrClosed) {
		writeJSON(w, http.StatusServiceUnavailable, aggregator.Result{StatusCode: http.StatusServiceUnavailable, Message: "shutting down"})
		return
	}
	if err != nil {
		a.Logger.Error("Unable to record events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, aggregator.Result{StatusCode: http.StatusInternalServerError, Message: "internal error"})
		return
	}
	code := http.StatusOK
	if !res.Success {
		code = res.StatusCode
	}
	writeJSON(w, code, res)
}

func (a *App) session(r *http.Request) types.Session {
	sess := types.Session{
		IP:      clientIP(r),
		Country: r.Header.Get(countryHeader),
	}
	if ref, err := url.Parse(r.Referer()); err == nil {
		sess.ReferrerHostname = ref.Hostname()
	}
	if token := a.Config.SentryToken; token != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			sess.UID = r.Header.Get(UIDHeader)
		}
	}
	return sess
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
