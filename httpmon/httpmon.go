/*Package httpmon exposes a read-only HTTP view of the running server: the
active acquisition mode, the recent scan ledger, and the latest recorded
frame as a FITS download.

It deliberately has no mutating routes.  The command dispatcher is the
single writer to instrument state; this surface exists so dashboards and
curious operators can look without being able to touch.
*/
package httpmon

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"goji.io"
	"goji.io/pat"

	"github.jpl.nasa.gov/bdube/gostem/mode"
	"github.jpl.nasa.gov/bdube/gostem/scanrec"
)

// ModeSource reports the active acquisition mode.  *mode.Arbiter
// satisfies it.
type ModeSource interface {
	Current() mode.Mode
}

// Ledger queries recorded scans.  *scanrec.Recorder satisfies it.
type Ledger interface {
	Recent(n int) ([]scanrec.Row, error)
}

// Monitor is the read-only view.
type Monitor struct {
	// Modes reports the active mode
	Modes ModeSource

	// Scans is the recording ledger; nil disables the scan routes
	Scans Ledger

	routes map[string]http.HandlerFunc
}

// New returns a Monitor over the given sources.
func New(m ModeSource, l Ledger) *Monitor {
	mon := &Monitor{Modes: m, Scans: l}
	mon.routes = map[string]http.HandlerFunc{
		"/mode":            mon.getMode,
		"/scans":           mon.getScans,
		"/scans/last":      mon.getLastScan,
		"/scans/last/fits": mon.getLastFITS,
	}
	return mon
}

// RT returns the route tree.
func (m *Monitor) RT() *goji.Mux {
	mux := goji.NewMux()
	for route, handler := range m.routes {
		mux.HandleFunc(pat.Get(route), handler)
	}
	mux.HandleFunc(pat.Get("/routes"), m.getRoutes)
	return mux
}

func jsonResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Monitor) getMode(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"str": m.Modes.Current().String()})
}

func (m *Monitor) getRoutes(w http.ResponseWriter, r *http.Request) {
	routes := make([]string, 0, len(m.routes)+1)
	for route := range m.routes {
		routes = append(routes, route)
	}
	routes = append(routes, "/routes")
	sort.Strings(routes)
	jsonResponse(w, routes)
}

func (m *Monitor) getScans(w http.ResponseWriter, r *http.Request) {
	if m.Scans == nil {
		http.Error(w, "no recording ledger configured", http.StatusNotFound)
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rows, err := m.Scans.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, rows)
}

func (m *Monitor) lastRow(w http.ResponseWriter) (scanrec.Row, bool) {
	if m.Scans == nil {
		http.Error(w, "no recording ledger configured", http.StatusNotFound)
		return scanrec.Row{}, false
	}
	rows, err := m.Scans.Recent(1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return scanrec.Row{}, false
	}
	if len(rows) == 0 {
		http.Error(w, "no scans recorded yet", http.StatusNotFound)
		return scanrec.Row{}, false
	}
	return rows[0], true
}

func (m *Monitor) getLastScan(w http.ResponseWriter, r *http.Request) {
	row, ok := m.lastRow(w)
	if !ok {
		return
	}
	jsonResponse(w, row)
}

func (m *Monitor) getLastFITS(w http.ResponseWriter, r *http.Request) {
	row, ok := m.lastRow(w)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	http.ServeFile(w, r, row.Path)
}
