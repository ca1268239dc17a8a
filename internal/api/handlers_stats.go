package api

import (
	"net/http"
)

type snapshotResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
	Queued   int            `json:"queued"`
	Running  int            `json:"running"`
}

type dailyStatsResponse struct {
	Date           string  `json:"date"`
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	AvgDurationSec float64 `json:"avg_duration_s"`
}

type typeStatsResponse struct {
	Type        string  `json:"type"`
	Count       int     `json:"count"`
	Completed   int     `json:"completed"`
	SuccessRate float64 `json:"success_rate"`
}

type statisticsResponse struct {
	Daily   []dailyStatsResponse `json:"daily"`
	ByType  []typeStatsResponse  `json:"by_type"`
	Running int                  `json:"running"`
	Queued  int                  `json:"queued"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.tasks.Stats()
	res := snapshotResponse{
		Total:    snap.Total,
		ByStatus: make(map[string]int, len(snap.ByStatus)),
		ByType:   snap.ByType,
		Queued:   snap.Queued,
		Running:  snap.Running,
	}
	for st, n := range snap.ByStatus {
		res.ByStatus[string(st)] = n
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 30)
	if days <= 0 || days > 365 {
		writeError(w, http.StatusBadRequest, "invalid_input", "days must be between 1 and 365")
		return
	}
	stats, err := s.tasks.Statistics(r.Context(), days)
	if err != nil {
		s.writeServiceError(w, err, "compute statistics")
		return
	}
	res := statisticsResponse{
		Daily:   make([]dailyStatsResponse, 0, len(stats.Daily)),
		ByType:  make([]typeStatsResponse, 0, len(stats.ByType)),
		Running: stats.Running,
		Queued:  stats.Queued,
	}
	for _, d := range stats.Daily {
		res.Daily = append(res.Daily, dailyStatsResponse(d))
	}
	for _, t := range stats.ByType {
		res.ByType = append(res.ByType, typeStatsResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}
