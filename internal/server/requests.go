package server

import (
	"net/http"
	"strconv"

	routex "github.com/dctx-team/routex/internal"
)

const (
	defaultRequestLimit = 100
	maxRequestLimit     = 1000
)

// requestRow is a log row plus its derived cost.
type requestRow struct {
	routex.RequestLog
	Cost float64 `json:"cost"`
}

type listMeta struct {
	Total     int   `json:"total"`
	Limit     int   `json:"limit"`
	Offset    int   `json:"offset"`
	Timestamp int64 `json:"timestamp"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := routex.RequestFilter{
		ChannelID: q.Get("channelId"),
		Model:     q.Get("model"),
		Query:     q.Get("q"),
		Status:    queryInt(q.Get("status"), 0),
		Since:     int64(queryInt(q.Get("since"), 0)),
		Until:     int64(queryInt(q.Get("until"), 0)),
		Limit:     queryInt(q.Get("limit"), defaultRequestLimit),
		Offset:    queryInt(q.Get("offset"), 0),
	}
	if f.Since > 0 && f.Until > 0 && f.Since >= f.Until {
		respondError(w, routex.E(routex.KindValidation, "since must be before until"))
		return
	}
	// Meta reports the effective page bounds, not what was asked for.
	if f.Limit <= 0 {
		f.Limit = defaultRequestLimit
	} else if f.Limit > maxRequestLimit {
		f.Limit = maxRequestLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	rows, total, err := s.Store.GetRequestsFiltered(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}

	out := make([]requestRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, requestRow{RequestLog: row, Cost: row.Cost()})
	}
	respondMeta(w, http.StatusOK, out, listMeta{
		Total:     total,
		Limit:     f.Limit,
		Offset:    f.Offset,
		Timestamp: routex.NowMillis(),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.Store.GetAnalytics(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, a)
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
