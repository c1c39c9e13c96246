package server

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/provider"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Store.ListChannels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, channels)
}

func (s *Server) handleListEnabledChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Store.ListEnabledChannels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, channels)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.Store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, ch)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch routex.Channel
	if err := decodeJSON(r, &ch); err != nil {
		respondError(w, err)
		return
	}
	if err := normalizeChannel(&ch); err != nil {
		respondError(w, err)
		return
	}

	ch.ID = uuid.Must(uuid.NewV7()).String()
	now := routex.NowMillis()
	ch.CreatedAt, ch.UpdatedAt = now, now
	ch.RequestCount, ch.SuccessCount, ch.FailureCount = 0, 0, 0

	if err := s.Store.CreateChannel(r.Context(), &ch); err != nil {
		respondError(w, err)
		return
	}
	s.Balancer.InvalidateCache()
	respond(w, http.StatusCreated, &ch)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.Store.GetChannel(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	updated := *existing
	if err := decodeJSON(r, &updated); err != nil {
		respondError(w, err)
		return
	}
	if err := normalizeChannel(&updated); err != nil {
		respondError(w, err)
		return
	}

	// Identity and usage counters are server-owned.
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.RequestCount = existing.RequestCount
	updated.SuccessCount = existing.SuccessCount
	updated.FailureCount = existing.FailureCount
	updated.UpdatedAt = routex.NowMillis()

	if err := s.Store.UpdateChannel(r.Context(), &updated); err != nil {
		respondError(w, err)
		return
	}
	s.Balancer.InvalidateCache()
	respond(w, http.StatusOK, &updated)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.Store.DeleteChannel(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		respondError(w, routex.E(routex.KindNotFound, "channel %s not found", id))
		return
	}
	s.Balancer.InvalidateCache()
	respond(w, http.StatusOK, map[string]string{"id": id})
}

// channelTestTimeout bounds the live round-trip of the test endpoint.
const channelTestTimeout = 10 * time.Second

type channelTestResult struct {
	ChannelID  string `json:"channelId"`
	Channel    string `json:"channel"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"statusCode,omitempty"`
	LatencyMs  int64  `json:"latency"`
	Model      string `json:"model,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleTestChannel performs one minimal completion round-trip against
// the channel's upstream and reports status and latency.
func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.Store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}

	model := r.URL.Query().Get("model")
	if model == "" && len(ch.Models) > 0 {
		model = ch.Models[0]
	}

	ctx, cancel := context.WithTimeout(r.Context(), channelTestTimeout)
	defer cancel()

	respond(w, http.StatusOK, s.testOne(ctx, ch, model))
}

// handleTestChannels pings a set of channels concurrently and reports
// per-channel results.
func (s *Server) handleTestChannels(enabledOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := s.Store.ListChannels
		if enabledOnly {
			list = s.Store.ListEnabledChannels
		}
		channels, err := list(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), channelTestTimeout)
		defer cancel()

		results := make([]channelTestResult, len(channels))
		var g errgroup.Group
		g.SetLimit(8)
		for i, ch := range channels {
			g.Go(func() error {
				model := ""
				if len(ch.Models) > 0 {
					model = ch.Models[0]
				}
				results[i] = s.testOne(ctx, ch, model)
				return nil
			})
		}
		g.Wait()
		respond(w, http.StatusOK, results)
	}
}

func (s *Server) testOne(ctx context.Context, ch *routex.Channel, model string) channelTestResult {
	start := time.Now()
	status, err := s.pingChannel(ctx, ch, model)
	result := channelTestResult{
		ChannelID:  ch.ID,
		Channel:    ch.Name,
		OK:         err == nil && status >= 200 && status < 300,
		StatusCode: status,
		LatencyMs:  time.Since(start).Milliseconds(),
		Model:      model,
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func (s *Server) pingChannel(ctx context.Context, ch *routex.Channel, model string) (int, error) {
	body := []byte(`{"model":"` + model + `","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`)

	prof := provider.ForType(ch.Type)
	uses := ch.Transformers
	if len(uses) == 0 && prof.Dialect != "" {
		uses = []routex.TransformerUse{{Name: prof.Dialect}}
	}
	body, extra := s.Transformers.ApplyRequest(ctx, uses, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		prof.Endpoint(ch, model, "/v1/messages", false), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	var bearer string
	if s.OAuth != nil {
		bearer, _ = s.OAuth.AccessToken(ctx, ch.ID)
	}
	for k, v := range prof.AuthHeaders(ch, bearer) {
		req.Header.Set(k, v)
	}

	res, err := s.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	return res.StatusCode, nil
}

// channelExport is the portable backup format for channels.
type channelExport struct {
	Version    int               `json:"version"`
	ExportedAt int64             `json:"exportedAt"`
	Channels   []*routex.Channel `json:"channels"`
}

const exportVersion = 1

func (s *Server) handleExportChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Store.ListChannels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, channelExport{
		Version:    exportVersion,
		ExportedAt: routex.NowMillis(),
		Channels:   channels,
	})
}

type importRequest struct {
	channelExport
	ReplaceExisting bool `json:"replaceExisting"`
}

type importResult struct {
	Imported int      `json:"imported"`
	Replaced int      `json:"replaced"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// handleImportChannels restores a channelExport document. Names are the
// identity: existing names are skipped unless replaceExisting is set.
func (s *Server) handleImportChannels(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Version != 0 && req.Version != exportVersion {
		respondError(w, routex.E(routex.KindValidation, "unsupported export version %d", req.Version))
		return
	}

	var result importResult
	ctx := r.Context()
	for _, ch := range req.Channels {
		if ch == nil {
			continue
		}
		if err := normalizeChannel(ch); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		existing, err := s.Store.GetChannelByName(ctx, ch.Name)
		switch {
		case err == nil && !req.ReplaceExisting:
			result.Skipped++
			continue
		case err == nil:
			ch.ID = existing.ID
			ch.CreatedAt = existing.CreatedAt
			ch.UpdatedAt = routex.NowMillis()
			if err := s.Store.UpdateChannel(ctx, ch); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Replaced++
		default:
			ch.ID = uuid.Must(uuid.NewV7()).String()
			now := routex.NowMillis()
			ch.CreatedAt, ch.UpdatedAt = now, now
			if err := s.Store.CreateChannel(ctx, ch); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Imported++
		}
	}
	s.Balancer.InvalidateCache()
	respond(w, http.StatusOK, result)
}

var validChannelTypes = map[string]bool{
	routex.TypeAnthropic: true,
	routex.TypeOpenAI:    true,
	routex.TypeAzure:     true,
	routex.TypeGemini:    true,
	routex.TypeZhipu:     true,
	routex.TypeCustom:    true,
}

// normalizeChannel validates the writable fields and fills defaults.
func normalizeChannel(ch *routex.Channel) error {
	if ch.Name == "" {
		return routex.E(routex.KindValidation, "channel name is required")
	}
	if !validChannelTypes[ch.Type] {
		return routex.E(routex.KindValidation, "unknown channel type %q", ch.Type)
	}
	if len(ch.Models) == 0 {
		return routex.E(routex.KindValidation, "channel requires at least one model")
	}
	if ch.Type == routex.TypeCustom && ch.BaseURL == "" {
		return routex.E(routex.KindValidation, "custom channels require a baseUrl")
	}
	if ch.Weight <= 0 {
		ch.Weight = 1
	}
	switch ch.Status {
	case "":
		ch.Status = routex.StatusEnabled
	case routex.StatusEnabled, routex.StatusDisabled,
		routex.StatusCircuitOpen, routex.StatusRateLimited:
	default:
		return routex.E(routex.KindValidation, "unknown channel status %q", ch.Status)
	}
	return nil
}
