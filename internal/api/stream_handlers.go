package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zeroveil/realtime-core/internal/broker"
	"github.com/zeroveil/realtime-core/internal/metrics"
	"github.com/zeroveil/realtime-core/internal/session"
)

// streamJobEvents handles GET /v1/jobs/{job_id}/events. Each merged job state
// is written as one SSE data frame; a comment-only heartbeat keeps the
// connection alive between frames. With start=true the handler also kicks off
// the analysis, degrading to a passive stream when a run is already in
// flight. The stream closes after the terminal frame.
func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	q := r.URL.Query()
	start := q.Get("start") == "true"
	username := q.Get("username")
	repo := q.Get("repo")

	log := s.logger.With(zap.String("job_id", jobID))

	// Frames queue between the broker callback and the writer loop below.
	frames := make(chan broker.State, s.cfg.Streaming.BufferSize)
	push := func(st broker.State) {
		enqueueFrame(r.Context(), frames, st, log)
	}

	unsubscribe, err := s.sessions.Attach(r.Context(), jobID, push)
	if err != nil {
		log.Error("attach to job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to attach to job")
		return
	}
	defer unsubscribe()

	if start {
		// The run outlives the stream: a client that navigates away must not
		// abort the analysis other observers are following.
		runCtx := context.WithoutCancel(r.Context())
		go func() {
			if _, err := s.sessions.Run(runCtx, jobID, username, repo); err != nil &&
				!errors.Is(err, session.ErrAlreadyRunning) {
				log.Debug("stream-initiated run finished with error", zap.Error(err))
			}
		}()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.IncActiveStreams()
	defer metrics.DecActiveStreams()

	heartbeat := time.NewTicker(time.Duration(s.cfg.Streaming.HeartbeatSeconds) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case st := <-frames:
			if err := writeFrame(w, flusher, st); err != nil {
				log.Debug("stream write failed", zap.Error(err))
				return
			}
			metrics.ObserveStreamFrame("state")
			if st.Complete {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
			metrics.ObserveStreamFrame("heartbeat")
		}
	}
}

// enqueueFrame hands st to the writer. A slow client loses intermediate
// frames rather than stalling publishers, but the terminal frame is never
// dropped: it waits for queue space and gives up only when the client is
// gone, so every surviving stream ends with exactly one terminal frame.
func enqueueFrame(ctx context.Context, frames chan<- broker.State, st broker.State, log *zap.Logger) {
	if st.Complete {
		select {
		case frames <- st:
		case <-ctx.Done():
		}
		return
	}
	select {
	case frames <- st:
	default:
		log.Warn("stream backlog full, dropping frame")
		metrics.ObserveDroppedFrame()
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, st broker.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	flusher.Flush()
	return nil
}
