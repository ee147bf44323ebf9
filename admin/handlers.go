package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/fanin/agent"
	"github.com/maxpert/fanin/conductor"
	"github.com/maxpert/fanin/image"
	"github.com/maxpert/fanin/notify"
	"github.com/maxpert/fanin/subscription"
	"github.com/maxpert/fanin/telemetry"
	"github.com/rs/zerolog/log"
)

// Conductor is what the admin API needs from the client conductor
type Conductor interface {
	telemetry.StatsProvider
	FindSubscription(registrationID int64) (*subscription.Subscription, bool)
	CloseSubscription(registrationID int64) *future.Future[struct{}]
}

// AgentStatsFunc reports per-agent counters keyed by agent name
type AgentStatsFunc func() map[string]agent.Stats

// AdminHandlers serves subscription introspection endpoints
type AdminHandlers struct {
	conductor Conductor
	hub       *notify.Hub
	agents    AgentStatsFunc
}

// NewAdminHandlers creates a new AdminHandlers instance. hub and agents are optional.
func NewAdminHandlers(c Conductor, hub *notify.Hub, agents AgentStatsFunc) *AdminHandlers {
	return &AdminHandlers{
		conductor: c,
		hub:       hub,
		agents:    agents,
	}
}

type imageView struct {
	CorrelationID  int64  `json:"correlation_id"`
	SessionID      int32  `json:"session_id"`
	SourceIdentity string `json:"source_identity"`
	Closed         bool   `json:"closed"`
}

type subscriptionView struct {
	telemetry.SubscriptionStats
	Connected bool        `json:"connected"`
	Lag       int64       `json:"version_lag"`
	ImageList []imageView `json:"image_list"`
}

// handleListSubscriptions returns stats for every subscription
func (h *AdminHandlers) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	stats := h.conductor.SubscriptionStats()
	response := map[string]interface{}{
		"subscriptions":    stats,
		"lingering_images": h.conductor.LingeringImageCount(),
	}
	writeJSONResponse(w, response)
}

// handleGetSubscription returns one subscription's stats and current images
func (h *AdminHandlers) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	registrationID, ok := parseRegistrationID(w, r)
	if !ok {
		return
	}

	sub, found := h.conductor.FindSubscription(registrationID)
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "subscription not found")
		return
	}

	view := subscriptionView{ImageList: []imageView{}}
	for _, s := range h.conductor.SubscriptionStats() {
		if s.RegistrationID == registrationID {
			view.SubscriptionStats = s
			break
		}
	}
	view.Lag = telemetry.VersionLag(view.SubscriptionStats)
	view.Connected = sub.IsConnected()

	sub.ForEachImage(func(img image.Image) {
		view.ImageList = append(view.ImageList, imageView{
			CorrelationID:  img.CorrelationID(),
			SessionID:      img.SessionID(),
			SourceIdentity: img.SourceIdentity(),
			Closed:         img.IsClosed(),
		})
	})

	writeJSONResponse(w, view)
}

// handleCloseSubscription closes a subscription and waits for the conductor
func (h *AdminHandlers) handleCloseSubscription(w http.ResponseWriter, r *http.Request) {
	registrationID, ok := parseRegistrationID(w, r)
	if !ok {
		return
	}

	if _, err := h.conductor.CloseSubscription(registrationID).Get(); err != nil {
		if errors.Is(err, conductor.ErrUnknownSubscription) {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Int64("registration_id", registrationID).Msg("Subscription closed via admin API")
	writeJSONResponse(w, map[string]interface{}{"closed": registrationID})
}

// handleAgents returns per-agent poll counters
func (h *AdminHandlers) handleAgents(w http.ResponseWriter, r *http.Request) {
	stats := map[string]agent.Stats{}
	if h.agents != nil {
		stats = h.agents()
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	type agentView struct {
		Name string `json:"name"`
		agent.Stats
	}
	views := make([]agentView, 0, len(names))
	for _, name := range names {
		views = append(views, agentView{Name: name, Stats: stats[name]})
	}
	writeJSONResponse(w, views)
}

// handleEvents streams image events as newline-delimited JSON until the client goes away
func (h *AdminHandlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "event stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var filter notify.Filter
	if v := r.URL.Query().Get("stream_id"); v != "" {
		streamID, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid stream ID")
			return
		}
		filter.StreamIDs = []int32{int32(streamID)}
	}

	events, cancel := h.hub.Subscribe(filter)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(eventView(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func eventView(ev notify.ImageEvent) map[string]interface{} {
	return map[string]interface{}{
		"kind":            ev.Kind.String(),
		"registration_id": ev.RegistrationID,
		"correlation_id":  ev.CorrelationID,
		"session_id":      ev.SessionID,
		"stream_id":       ev.StreamID,
		"channel":         ev.Channel,
		"source_identity": ev.SourceIdentity,
	}
}

func parseRegistrationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	registrationID, err := strconv.ParseInt(chi.URLParam(r, "registrationID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid registration ID")
		return 0, false
	}
	return registrationID, true
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
