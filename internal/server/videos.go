package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	goahttp "goa.design/goa/v3/http"

	"lookout/internal/services"
)

// multipart framing allowance on top of the file size limit
const uploadOverhead = 1 << 20

func (s *Server) uploadVideo(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+uploadOverhead)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(r.Context(), w, badRequest("expected a multipart upload"))
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(r.Context(), w, uploadError(err))
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		upload, err := s.opts.Videos.Upload(r.Context(), part.FileName(), part)
		part.Close()
		if err != nil {
			s.writeError(r.Context(), w, uploadError(err))
			return
		}
		s.writeJSON(r.Context(), w, http.StatusOK, upload)
		return
	}
	s.writeError(r.Context(), w, badRequest("missing file field"))
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return services.ErrUploadTooLarge
	}
	return err
}

type analyzeRequest struct {
	JobID     string `json:"job_id"`
	ModelType string `json:"model_type"`
	CameraID  *int64 `json:"camera_id"`
}

// analyzeVideo accepts a JSON body or form fields
func (s *Server) analyzeVideo(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
			s.writeError(r.Context(), w, badRequest("invalid analyze body"))
			return
		}
	} else {
		req.JobID = r.FormValue("job_id")
		req.ModelType = r.FormValue("model_type")
		if raw := strings.TrimSpace(r.FormValue("camera_id")); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				s.writeError(r.Context(), w, badRequest("invalid camera_id %q", raw))
				return
			}
			req.CameraID = &id
		}
	}
	if req.JobID == "" {
		s.writeError(r.Context(), w, badRequest("job_id is required"))
		return
	}

	res, err := s.opts.Videos.Analyze(r.Context(), services.AnalyzeRequest{
		JobID:     req.JobID,
		ModelType: req.ModelType,
		CameraID:  req.CameraID,
	})
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, res)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, s.opts.Videos.Status(s.mux.Vars(r)["job"]))
}

func (s *Server) jobFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.opts.Videos.LatestFrame(s.mux.Vars(r)["job"])
	if !ok {
		s.writeJSON(r.Context(), w, http.StatusNotFound, errorBody{Error: "no frame available"})
		return
	}
	writeJPEG(w, frame)
}

// stopJob always reports stopped, unknown jobs included
func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	job := s.mux.Vars(r)["job"]
	if _, err := s.opts.Videos.Stop(job); err != nil {
		s.logger.Warn("job stop timed out", "job_id", job, "error", err)
	}
	s.writeJSON(r.Context(), w, http.StatusOK, message{Message: "stopped"})
}
