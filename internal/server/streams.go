package server

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"

	"lookout/internal/database"
	"lookout/internal/lifecycle"
)

func (s *Server) cameraID(r *http.Request) (int64, error) {
	raw := s.mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid camera id %q", raw)
	}
	return id, nil
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.opts.Cameras.List(r.Context(), r.URL.Query().Get("stream_type"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if cams == nil {
		cams = []*database.Camera{}
	}
	s.writeJSON(r.Context(), w, http.StatusOK, cams)
}

func (s *Server) createCamera(w http.ResponseWriter, r *http.Request) {
	var cam database.Camera
	if err := goahttp.RequestDecoder(r).Decode(&cam); err != nil {
		s.writeError(r.Context(), w, badRequest("invalid camera body"))
		return
	}
	cam.ID = 0
	if err := s.opts.Cameras.Create(r.Context(), &cam); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusCreated, cam)
}

func (s *Server) getCamera(w http.ResponseWriter, r *http.Request) {
	id, err := s.cameraID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	cam, err := s.opts.Cameras.Get(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, cam)
}

func (s *Server) deleteCamera(w http.ResponseWriter, r *http.Request) {
	id, err := s.cameraID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if err := s.opts.Cameras.Delete(r.Context(), id); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, message{Message: "Camera deleted"})
}

func (s *Server) startCamera(w http.ResponseWriter, r *http.Request) {
	id, err := s.cameraID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	res, err := s.opts.Cameras.Start(r.Context(), id, r.URL.Query().Get("model_type"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, res)
}

func (s *Server) stopCamera(w http.ResponseWriter, r *http.Request) {
	id, err := s.cameraID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	status, err := s.opts.Cameras.Stop(id)
	if err != nil {
		s.logger.Warn("camera stop timed out", "camera_id", id, "error", err)
	}
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": string(status), "id": strconv.FormatInt(id, 10)})
}

func (s *Server) startAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Cameras.StartAllLive(r.Context(), r.URL.Query().Get("model_type"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, res)
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	cameras := s.opts.Cameras.StopAll()
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"stopped": cameras})
}

func (s *Server) cameraStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.cameraID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, s.opts.Cameras.Status(id))
}

func (s *Server) cameraFrame(w http.ResponseWriter, r *http.Request) {
	id, err := s.cameraID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	frame, ok := s.opts.Cameras.LatestFrame(id)
	if !ok {
		s.writeJSON(r.Context(), w, http.StatusNotFound, errorBody{Error: "no frame available"})
		return
	}
	writeJPEG(w, frame)
}

// cameraMJPEG streams the latest frame of a camera as multipart JPEG until the
// client goes away or the camera worker is removed.
func (s *Server) cameraMJPEG(w http.ResponseWriter, r *http.Request) {
	id, err := s.cameraID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if s.opts.Cameras.Status(id).State == lifecycle.StateAbsent {
		s.writeJSON(r.Context(), w, http.StatusNotFound, errorBody{Error: "camera is not streaming"})
		return
	}

	mp := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mp.Boundary())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()

	var last []byte
	for {
		frame, ok := s.opts.Cameras.LatestFrame(id)
		if !ok {
			return
		}
		if !bytes.Equal(frame, last) {
			part, err := mp.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(frame))},
			})
			if err != nil {
				return
			}
			if _, err := part.Write(frame); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			last = frame
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJPEG(w http.ResponseWriter, frame []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}
