package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/terracat/terracat/internal/application"
	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/input"
	"github.com/terracat/terracat/internal/ports/output"
)

// inventoryRequest is the JSON body of POST /api/v1/inventory.
type inventoryRequest struct {
	Driver    string      `json:"driver"`
	Tiles     []string    `json:"tiles,omitempty"`
	From      domain.Date `json:"from"`
	To        domain.Date `json:"to"`
	Fetch     bool        `json:"fetch,omitempty"`
	Products  []string    `json:"products,omitempty"`
	Overwrite bool        `json:"overwrite,omitempty"`
}

// handleInventory resolves an inventory request.
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	var body inventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rng, err := domain.NewDateRange(body.From, body.To)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	grid, err := s.inventory.Resolve(r.Context(), input.InventoryRequest{
		Driver:    body.Driver,
		Tiles:     body.Tiles,
		Range:     rng,
		Fetch:     body.Fetch,
		Products:  body.Products,
		Overwrite: body.Overwrite,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, grid)
}

// handleListDrivers returns the configured drivers.
func (s *Server) handleListDrivers(w http.ResponseWriter, _ *http.Request) {
	names := s.drivers.Names()
	drivers := make([]map[string]interface{}, len(names))
	for i, name := range names {
		drivers[i] = s.formatDriver(s.drivers[name])
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"drivers": drivers,
		"count":   len(drivers),
	})
}

// handleGetDriver returns one driver definition.
func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	spec, err := s.drivers.Get(vars["driver"])
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.formatDriver(spec))
}

// handleListTiles returns the distinct tiles known for a driver.
func (s *Server) handleListTiles(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	driver := vars["driver"]
	if _, err := s.drivers.Get(driver); err != nil {
		s.handleDomainError(w, err)
		return
	}

	tiles, err := s.catalog.ListTiles(r.Context(), driver)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"driver": driver,
		"tiles":  tiles,
		"count":  len(tiles),
	})
}

// handleListDates returns the dates with at least one asset for a
// (driver, tile).
func (s *Server) handleListDates(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	driver, tile := vars["driver"], vars["tile"]
	if _, err := s.drivers.Get(driver); err != nil {
		s.handleDomainError(w, err)
		return
	}

	dates, err := s.catalog.ListDates(r.Context(), driver, tile)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"driver": driver,
		"tile":   tile,
		"dates":  dates,
		"count":  len(dates),
	})
}

// handleSearchAssets searches asset records by criteria.
func (s *Server) handleSearchAssets(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseCriteria(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.catalog.SearchAssets(r.Context(), criteria)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	assets := make([]map[string]interface{}, len(recs))
	for i := range recs {
		assets[i] = formatAsset(&recs[i])
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"assets": assets,
		"count":  len(assets),
	})
}

// handleSearchProducts searches product records by criteria.
func (s *Server) handleSearchProducts(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseCriteria(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.catalog.SearchProducts(r.Context(), criteria)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	products := make([]map[string]interface{}, len(recs))
	for i := range recs {
		products[i] = formatProduct(&recs[i])
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"products": products,
		"count":    len(products),
	})
}

// handleRectify triggers a reconciliation pass for one driver.
func (s *Server) handleRectify(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	result, err := s.scheduler.TriggerRectify(r.Context(), vars["driver"])
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.handleDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":     boolToStatus(details.Healthy),
		"ready":      details.Ready,
		"drivers":    details.Drivers,
		"components": details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// parseCriteria builds search criteria from query parameters.
func parseCriteria(r *http.Request) (output.Criteria, error) {
	q := r.URL.Query()
	c := output.Criteria{
		Driver: q.Get("driver"),
		Type:   q.Get("type"),
		Sensor: q.Get("sensor"),
		Tile:   q.Get("tile"),
	}

	if from := q.Get("from"); from != "" {
		d, err := domain.ParseDate(from)
		if err != nil {
			return c, errors.New("invalid from parameter")
		}
		c.From = &d
	}
	if to := q.Get("to"); to != "" {
		d, err := domain.ParseDate(to)
		if err != nil {
			return c, errors.New("invalid to parameter")
		}
		c.To = &d
	}
	return c, nil
}

// formatDriver formats a driver spec for JSON output.
func (s *Server) formatDriver(spec *domain.DriverSpec) map[string]interface{} {
	assetTypes := make([]string, len(spec.AssetTypes))
	for i := range spec.AssetTypes {
		assetTypes[i] = spec.AssetTypes[i].Name
	}
	products := make([]map[string]interface{}, len(spec.Products))
	for i := range spec.Products {
		products[i] = map[string]interface{}{
			"name":     spec.Products[i].Name,
			"category": spec.Products[i].Category,
			"sources":  spec.Products[i].Sources,
		}
	}

	return map[string]interface{}{
		"name":             spec.Name,
		"sensor":           spec.Sensor,
		"extension":        spec.Extension,
		"date_dir":         spec.DateDir,
		"asset_types":      assetTypes,
		"asset_preference": spec.Preference(),
		"providers":        spec.Providers,
		"products":         products,
	}
}

// formatAsset formats an asset record for JSON output.
func formatAsset(rec *domain.AssetRecord) map[string]interface{} {
	return map[string]interface{}{
		"driver": rec.Driver,
		"type":   rec.AssetType,
		"sensor": rec.Sensor,
		"tile":   rec.Tile,
		"date":   rec.Date.String(),
		"path":   rec.Path,
		"status": string(rec.Status),
	}
}

// formatProduct formats a product record for JSON output.
func formatProduct(rec *domain.ProductRecord) map[string]interface{} {
	return map[string]interface{}{
		"driver":  rec.Driver,
		"product": rec.Product,
		"sensor":  rec.Sensor,
		"tile":    rec.Tile,
		"date":    rec.Date.String(),
		"path":    rec.Path,
		"status":  string(rec.Status),
	}
}

// handleDomainError maps domain errors to HTTP statuses.
func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "request failed")
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
