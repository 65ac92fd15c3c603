package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/riskwatch/internal/filter"
	"github.com/mbd888/riskwatch/internal/pagination"
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/transaction"
)

// ErrNotFound is reported when a transaction id is not held by either view.
var ErrNotFound = errors.New("transaction not found")

// ViewResponse is the body of /v1/alerts and /v1/history. Total counts
// the whole view before filtering.
type ViewResponse struct {
	Transactions []transaction.Annotated `json:"transactions"`
	Total        int                     `json:"total"`
	Matched      int                     `json:"matched"`
	Filter       filter.Spec             `json:"filter"`
	NextCursor   string                  `json:"next_cursor,omitempty"`
	HasMore      bool                    `json:"has_more"`
	Status       reconciliation.Status   `json:"status"`
}

// parseFilter reads risk, q and mode from the query string.
func parseFilter(c *gin.Context) (filter.Spec, error) {
	level, err := filter.ParseRiskLevel(c.Query("risk"))
	if err != nil {
		return filter.Spec{}, err
	}
	mode, err := filter.ParseMode(c.Query("mode"))
	if err != nil {
		return filter.Spec{}, err
	}
	return filter.Spec{RiskLevel: level, SearchTerm: c.Query("q"), Mode: mode}, nil
}

// parsePage reads limit and cursor. A missing limit returns the whole view.
func parsePage(c *gin.Context) (int, *pagination.Cursor, error) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, nil, errors.New("limit must be a non-negative integer")
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		return 0, nil, err
	}
	return limit, cursor, nil
}

func (s *Server) viewHandler(name string, view func() []transaction.Transaction) gin.HandlerFunc {
	return func(c *gin.Context) {
		spec, err := parseFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_filter",
				"message": err.Error(),
			})
			return
		}
		limit, cursor, err := parsePage(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_page",
				"message": err.Error(),
			})
			return
		}

		all := view()
		matched := filter.Apply(all, spec)
		page, next, more, err := pagination.ComputePage(matched, name, cursor, limit,
			func(tx transaction.Transaction) string { return tx.ID })
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_page",
				"message": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, ViewResponse{
			Transactions: transaction.AnnotateAll(page),
			Total:        len(all),
			Matched:      len(matched),
			Filter:       spec,
			NextCursor:   next,
			HasMore:      more,
			Status:       s.store.Status(),
		})
	}
}

func (s *Server) transactionHandler(c *gin.Context) {
	tx, ok := s.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": ErrNotFound.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, tx.Annotate())
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Status())
}

func (s *Server) relayStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "riskwatch",
		"description": "Live risk-monitoring feed consumer",
		"version":     s.version,
		"feed":        s.cfg.Feed.BaseURL,
		"records":     s.store.Len(),
	})
}
