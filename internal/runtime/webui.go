package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xigadee/microservice/internal/runtime/channel"
	"github.com/xigadee/microservice/internal/runtime/collector"
	"github.com/xigadee/microservice/internal/runtime/jsoncodec"
)

// ChannelStatus describes a registered channel for the status API.
type ChannelStatus struct {
	ID               string              `json:"id"`
	Direction        string              `json:"direction"`
	Description      string              `json:"description,omitempty"`
	Internal         bool                `json:"internal"`
	Partitions       []channel.Partition `json:"partitions"`
	ResourceProfiles []string            `json:"resource_profiles,omitempty"`
	Attached         int                 `json:"attached"`
	BoundaryLogging  bool                `json:"boundary_logging"`
}

// ChannelList describes every registered channel, incoming first.
func (s *Service) ChannelList() []ChannelStatus {
	var out []ChannelStatus
	for _, dir := range []channel.Direction{channel.Incoming, channel.Outgoing} {
		for _, ch := range s.channels.List(dir) {
			out = append(out, ChannelStatus{
				ID:               ch.ID,
				Direction:        dir.String(),
				Description:      ch.Description,
				Internal:         ch.Internal,
				Partitions:       ch.Partitions(),
				ResourceProfiles: ch.ResourceProfiles(),
				Attached:         ch.Attached(),
				BoundaryLogging:  ch.BoundaryLogging(s.Conf.Dispatcher.BoundaryLoggingDefault),
			})
		}
	}
	return out
}

// EventStatus is one recent collector event for the status API.
type EventStatus struct {
	Type  collector.EventType `json:"type"`
	Event collector.Event     `json:"event"`
}

// RecentEvents returns the most recent collector events, oldest first.
func (s *Service) RecentEvents() []EventStatus {
	events := s.events.Events()
	out := make([]EventStatus, 0, len(events))
	for _, e := range events {
		out = append(out, EventStatus{Type: e.EventType(), Event: e})
	}
	return out
}

// StartWebUIServer mounts the status API on the web UI port when enabled.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	for pattern, handler := range s.statusHandlers() {
		s.RegisterHTTPHandler(port, pattern, handler)
	}
}

func (s *Service) statusHandlers() map[string]http.Handler {
	return map[string]http.Handler{
		"/api/channels":   s.statusHandler("channels", func() any { return s.ChannelList() }),
		"/api/clients":    s.statusHandler("clients", func() any { return s.Clients() }),
		"/api/commands":   s.statusHandler("commands", func() any { return s.Commands() }),
		"/api/schedules":  s.statusHandler("schedules", func() any { return s.schedules.Status() }),
		"/api/masterjobs": s.statusHandler("master jobs", func() any { return s.MasterJobs() }),
		"/api/resources":  s.statusHandler("resources", func() any { return s.resources.Snapshot() }),
		"/api/events":     s.statusHandler("events", func() any { return s.RecentEvents() }),
	}
}

func (s *Service) statusHandler(name string, view func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		// Set CORS headers based on configuration
		if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			allowedOrigin := s.getAllowedCORSOrigin(origin)
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, view()); err != nil {
			s.Logger.Error("Failed to encode "+name, err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

func (s *Service) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
