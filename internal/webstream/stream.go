package webstream

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dj-oyu/camstream/internal/session"
	"github.com/dj-oyu/camstream/pkg/types"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	e, err := s.coord.OpenStream()
	if err != nil {
		http.Error(w, "Stream already active", http.StatusConflict)
		return
	}
	defer e.Close()

	w.Header().Set("Content-Type", session.StreamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	buf := make([]byte, s.opts.ChunkSize)
	for {
		n, end, err := e.NextChunk(buf)
		switch {
		case errors.Is(err, session.ErrTryAgain):
			if err := e.Wait(ctx); err != nil {
				s.log.Debug("stream %s: client disconnected", e.ID())
				return
			}
			continue
		case err != nil:
			s.log.Debug("stream %s ended: %v", e.ID(), err)
			return
		}

		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				s.metrics.WriteFailures.Add(1)
				s.log.Debug("stream %s: client disconnected during write: %v", e.ID(), err)
				return
			}
		}
		if end {
			flusher.Flush()
		}
	}
}

func (s *Server) handleStill(w http.ResponseWriter, r *http.Request) {
	served := false
	err := s.coord.Still(r.Context(), func(fb *types.FrameBuffer) error {
		served = true
		h := w.Header()
		h.Set("Content-Type", "image/jpeg")
		h.Set("Content-Length", strconv.Itoa(len(fb.Data)))
		h.Set("Content-Disposition", "inline; filename=capture.jpg")
		h.Set("Cache-Control", "no-cache")
		h.Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)

		for off := 0; off < len(fb.Data); off += s.opts.ChunkSize {
			end := min(off+s.opts.ChunkSize, len(fb.Data))
			if _, err := w.Write(fb.Data[off:end]); err != nil {
				return err
			}
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, session.ErrAlreadyActive):
		http.Error(w, "Still already in progress", http.StatusConflict)
	case served:
		s.log.Debug("still: client disconnected during write: %v", err)
	case r.Context().Err() != nil:
		s.log.Debug("still: client went away: %v", err)
	default:
		http.Error(w, "Camera capture failed", http.StatusInternalServerError)
	}
}
