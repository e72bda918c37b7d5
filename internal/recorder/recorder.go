// Package recorder persists session metrics uploaded by the player UI.
package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// maxBodySize bounds an uploaded session.
const maxBodySize = 32 << 20

// Handler writes the JSON body of each POST to a single file, replacing the
// previous session.
type Handler struct {
	path string
	log  logrus.FieldLogger
}

// NewHandler creates a Handler writing to path.
func NewHandler(path string, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{path: path, log: logger.WithField("component", "recorder")}
}

type response struct {
	Status  string `json:"status"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Message: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, response{Status: "error", Message: err.Error()})
		return
	}

	var indented bytes.Buffer
	if err := json.Indent(&indented, body, "", "  "); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	indented.WriteByte('\n')

	if err := h.Save(indented.Bytes()); err != nil {
		h.log.WithError(err).Error("saving session metrics")
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: err.Error()})
		return
	}

	h.log.WithFields(logrus.Fields{"path": h.path, "bytes": indented.Len()}).Info("session metrics saved")
	writeJSON(w, http.StatusOK, response{Status: "saved", Path: h.path})
}

// Save atomically replaces the session file with data.
func (h *Handler) Save(data []byte) error {
	dir := filepath.Dir(h.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(h.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), h.path); err != nil {
		return fmt.Errorf("replacing %s: %w", h.path, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
