// Package server exposes the admin HTTP surface: health, metrics, and
// read-only views of watermarks, quality results, and alerts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/watermark"
)

// QualityReader exposes the monitor's retained results.
type QualityReader interface {
	Results() []models.QualityCheckResult
}

// AlertReader exposes the dispatcher's alert state.
type AlertReader interface {
	Alerts() []models.Alert
}

// Handler serves the admin API.
type Handler struct {
	version    string
	partitions []string
	watermarks watermark.Store
	quality    QualityReader
	alerts     AlertReader
}

// New creates an admin API handler.
func New(version string, partitions []string, wms watermark.Store, quality QualityReader, alerts AlertReader) *Handler {
	return &Handler{
		version:    version,
		partitions: partitions,
		watermarks: wms,
		quality:    quality,
		alerts:     alerts,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Watermarks returns the committed watermark per partition. Partitions
// without a watermark yet are reported with committed=false.
func (h *Handler) Watermarks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	type entry struct {
		PartitionID string            `json:"partition_id"`
		Committed   bool              `json:"committed"`
		Watermark   *models.Watermark `json:"watermark,omitempty"`
	}

	out := make([]entry, 0, len(h.partitions))
	for _, partition := range h.partitions {
		wm, err := h.watermarks.Get(ctx, partition)
		switch {
		case errors.Is(err, watermark.ErrNotFound):
			out = append(out, entry{PartitionID: partition})
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, "watermark_store_unavailable", err.Error())
			return
		default:
			out = append(out, entry{PartitionID: partition, Committed: true, Watermark: wm})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"watermarks": out})
}

// QualityResults returns the retained reconciliation history, newest last.
func (h *Handler) QualityResults(w http.ResponseWriter, r *http.Request) {
	results := h.quality.Results()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(results),
		"results": results,
	})
}

// Alerts returns active alerts and the recent resolved history.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.alerts.Alerts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}
