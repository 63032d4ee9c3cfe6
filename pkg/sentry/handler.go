package sentry

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/outpace-network/validatorx/pkg/db"
	"github.com/outpace-network/validatorx/pkg/types"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type submission struct {
	From     string            `json:"from"`
	Messages types.MessageList `json:"messages"`
}

type messagesResponse struct {
	ValidatorMessages []*types.Envelope `json:"validatorMessages"`
}

type lastApprovedJSON struct {
	NewState     *types.Envelope `json:"newState,omitempty"`
	ApproveState *types.Envelope `json:"approveState,omitempty"`
}

type lastApprovedResponse struct {
	LastApproved *lastApprovedJSON `json:"lastApproved"`
}

type aggregatesResponse struct {
	Channel string                  `json:"channel"`
	Events  []*types.EventAggregate `json:"events"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Handler is the HTTP surface other validators (and a remote worker) use to
// reach this sentry.
type Handler struct {
	logger      *zap.Logger
	store       db.Store
	receiver    *Receiver
	token       string
	eventsLimit int
}

// NewHandler builds the handler. When token is set, requests bearing it are
// trusted as coming from this validator's own worker.
func NewHandler(logger *zap.Logger, store db.Store, receiver *Receiver, token string, eventsLimit int) *Handler {
	return &Handler{logger: logger, store: store, receiver: receiver, token: token, eventsLimit: eventsLimit}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/channel/{id}/validator-messages", h.postMessages).Methods(http.MethodPost)
	r.HandleFunc("/channel/{id}/validator-messages/{from}/{types}", h.getMessages).Methods(http.MethodGet)
	r.HandleFunc("/channel/{id}/last-approved", h.getLastApproved).Methods(http.MethodGet)
	r.HandleFunc("/channel/{id}/events-aggregates", h.getAggregates).Methods(http.MethodGet)
}

func (h *Handler) trusted(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h *Handler) postMessages(w http.ResponseWriter, r *http.Request) {
	var sub submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := h.receiver.Receive(r.Context(), mux.Vars(r)["id"], sub.From, h.trusted(r), sub.Messages)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "channel not found")
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Unable to store validator messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var kinds []types.MessageType
	for _, k := range strings.FieldsFunc(vars["types"], func(c rune) bool { return c == '+' || c == ',' || c == ' ' }) {
		kinds = append(kinds, types.MessageType(k))
	}
	if len(kinds) == 0 {
		writeError(w, http.StatusBadRequest, "no message type")
		return
	}
	env, err := h.store.LatestValidatorMessage(r.Context(), vars["id"], vars["from"], kinds...)
	if err != nil {
		h.internal(w, err)
		return
	}
	out := messagesResponse{ValidatorMessages: []*types.Envelope{}}
	if env != nil {
		out.ValidatorMessages = append(out.ValidatorMessages, env)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getLastApproved(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ch, err := h.store.GetChannel(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		h.internal(w, err)
		return
	}
	la, err := lastApproved(r.Context(), h.store, ch)
	if err != nil {
		h.internal(w, err)
		return
	}
	out := lastApprovedResponse{}
	if la != nil {
		out.LastApproved = &lastApprovedJSON{
			NewState:     &types.Envelope{ChannelID: id, From: ch.Leader().ID, Msg: la.NewState},
			ApproveState: &types.Envelope{ChannelID: id, From: ch.Follower().ID, Msg: la.ApproveState},
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getAggregates(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	after := time.Unix(0, 0).UTC()
	if raw := r.URL.Query().Get("after"); raw != "" {
		t, err := parseAfter(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be RFC3339 or unix milliseconds")
			return
		}
		after = t
	}
	aggrs, err := h.store.EventAggregatesAfter(r.Context(), id, after, h.eventsLimit)
	if err != nil {
		h.internal(w, err)
		return
	}
	if aggrs == nil {
		aggrs = []*types.EventAggregate{}
	}
	writeJSON(w, http.StatusOK, aggregatesResponse{Channel: id, Events: aggrs})
}

func parseAfter(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (h *Handler) internal(w http.ResponseWriter, err error) {
	h.logger.Error("Sentry request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Message: msg})
}
