package handlers

import (
	"net/http"
	"runtime"
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// VersionHandler serves /version.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	if info.GoVersion == "" {
		info.GoVersion = runtime.Version()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}

// StatusFunc returns a JSON-encodable run snapshot.
type StatusFunc func() any

// StatusHandler serves /status. Without a provider it reports idle.
func StatusHandler(fn StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			writeJSON(w, http.StatusOK, map[string]any{"running": false})
			return
		}
		writeJSON(w, http.StatusOK, fn())
	}
}
