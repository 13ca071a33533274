package server

import (
	"errors"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/aivorynet/inspector-go/pkg/capture"
)

// handleConversionReport records an attribution report. Any method is accepted.
func (s *Server) handleConversionReport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, capture.MaxReportBodyLen)
	rec, err := capture.FromRequest(r)
	if errors.Is(err, capture.ErrBodyTooLarge) {
		s.logger.Warn("attribution report body too large", zap.Int64("content_length", r.ContentLength))
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		s.logger.Error("capturing attribution report", zap.Error(err))
		http.Error(w, "failed to read report", http.StatusInternalServerError)
		return
	}

	if err := rec.WriteFile(s.cfg.ReportPath, s.cfg.LockTimeout); err != nil {
		s.logger.Error("writing attribution report", zap.String("path", s.cfg.ReportPath), zap.Error(err))
		http.Error(w, "failed to record report", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("attribution report recorded", zap.String("path", s.cfg.ReportPath), zap.Int("body_bytes", len(rec.Body)))

	http.SetCookie(w, &http.Cookie{
		Name:  capture.ReportCookieName,
		Value: "1",
		Path:  "/",
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.cfg.ReportPath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "no report recorded", http.StatusNotFound)
			return
		}
		s.logger.Error("reading attribution report", zap.Error(err))
		http.Error(w, "failed to read report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleClearReport(w http.ResponseWriter, r *http.Request) {
	if err := os.Remove(s.cfg.ReportPath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("clearing attribution report", zap.Error(err))
		http.Error(w, "failed to clear report", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
