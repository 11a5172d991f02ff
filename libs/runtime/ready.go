package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// ReadyCheck is a named dependency check for /readyz. Detail, when set,
// replaces "ok" in the report; a check with only Detail is informational.
type ReadyCheck struct {
	Name   string
	Check  func(context.Context) error
	Detail func() string
}

type readyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewBaseMuxWithReady serves /healthz unconditionally and /readyz from the
// given checks. Each check gets its own timeout so one slow dependency does not
// hide the others.
func NewBaseMuxWithReady(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		report := runChecks(r.Context(), checks, 2*time.Second)
		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}

func runChecks(ctx context.Context, checks []ReadyCheck, timeout time.Duration) readyReport {
	report := readyReport{Status: "ok"}
	for _, check := range checks {
		if check.Check == nil && check.Detail == nil {
			continue
		}
		name := check.Name
		if name == "" {
			name = "dependency"
		}
		if report.Checks == nil {
			report.Checks = make(map[string]string, len(checks))
		}
		if check.Check != nil {
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			err := check.Check(checkCtx)
			cancel()
			if err != nil {
				report.Status = "unavailable"
				report.Checks[name] = err.Error()
				continue
			}
		}
		report.Checks[name] = "ok"
		if check.Detail != nil {
			report.Checks[name] = check.Detail()
		}
	}
	return report
}
