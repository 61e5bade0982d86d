package gate

import (
	_ "embed"
	"net/http"
)

//go:embed dashboard.html
var dashboardHTML []byte

// handleDashboard serves the single-file admin dashboard. Auth runs in
// the route wrapper, which also accepts ?token= for browser use.
func (g *Gate) handleDashboard(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Write(dashboardHTML)
}
