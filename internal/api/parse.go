package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/parser"
	"github.com/resident-x/go-fridgetag/internal/report"
)

// parseResponse is the JSON body of a successful upload.
type parseResponse struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename"`
	*parser.Result
}

// parseErrorResponse is the JSON body of a rejected export.
type parseErrorResponse struct {
	Success  bool               `json:"success"`
	ID       string             `json:"id"`
	Filename string             `json:"filename"`
	Error    *domain.ParseError `json:"error"`
	Warnings []domain.Warning   `json:"warnings"`
}

// handleParse parses an uploaded export from the multipart field "file".
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	limit := s.config.API.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, fmt.Sprintf("File exceeds %d bytes", limit), http.StatusBadRequest)
			return
		}
		s.writeError(w, "Invalid upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, "No file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".txt") {
		s.writeError(w, "File must be a .txt file", http.StatusBadRequest)
		return
	}

	opts, format, err := s.requestOptions(r)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	res, err := s.parse(r, content, opts)
	if err != nil {
		s.failures.Add(1)
		var perr *domain.ParseError
		if res == nil || !errors.As(err, &perr) {
			s.metrics.ParseResult("error")
			s.logger.Error().Err(err).Str("filename", header.Filename).Msg("Parse failed")
			s.writeError(w, "An unexpected error occurred", http.StatusInternalServerError)
			return
		}

		s.metrics.ParseResult(perr.Kind.String())
		s.logger.Info().
			Str("filename", header.Filename).
			Str("kind", perr.Kind.String()).
			Msg("Rejected export")
		s.writeJSON(w, parseErrorResponse{
			ID:       res.ID,
			Filename: header.Filename,
			Error:    perr,
			Warnings: res.Warnings,
		}, http.StatusUnprocessableEntity)
		return
	}
	s.metrics.ParseResult("ok")

	if s.publisher != nil {
		if err := s.publisher.Publish(r.Context(), "", res.Report); err != nil {
			s.logger.Warn().Err(err).Str("serial", res.Report.SerialNumber).Msg("Failed to publish report")
		}
	}

	if format == report.FormatJSON {
		s.writeJSON(w, parseResponse{Success: true, Filename: header.Filename, Result: res}, http.StatusOK)
		return
	}

	base := strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", base+"."+string(format)))
	w.Header().Set("X-Parse-Id", res.ID)
	w.WriteHeader(http.StatusOK)
	if err := res.Report.Write(w, format); err != nil {
		s.logger.Error().Err(err).Str("format", string(format)).Msg("Failed to render report")
	}
}

// parse serves a result from the cache or runs the parser. The returned result is owned by
// the caller; Raw is only kept for debug requests.
func (s *Server) parse(r *http.Request, content []byte, opts parser.Options) (*parser.Result, error) {
	s.parses.Add(1)
	key := cacheKey(content, opts)

	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			s.metrics.CacheHit()
			s.hits.Add(1)
			out := *v.(*parser.Result)
			out.ID = uuid.NewString()
			return &out, nil
		}
		s.metrics.CacheMiss()
	}

	res, err := s.parser.Parse(r.Context(), content, opts)
	if res != nil && !opts.Debug {
		res.Raw = nil
	}
	if err != nil {
		return res, err
	}

	if s.cache != nil {
		s.cache.Add(key, res)
	}
	out := *res
	return &out, nil
}

// requestOptions reads debug, permissive and format from the query or form.
func (s *Server) requestOptions(r *http.Request) (parser.Options, report.Format, error) {
	opts := s.parser.DefaultOptions()

	var err error
	if opts.Debug, err = boolParam(r, "debug", opts.Debug); err != nil {
		return opts, "", err
	}
	if opts.Permissive, err = boolParam(r, "permissive", opts.Permissive); err != nil {
		return opts, "", err
	}

	format, err := report.ParseFormat(r.FormValue("format"))
	if err != nil {
		return opts, "", err
	}
	return opts, format, nil
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	v := r.FormValue(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q", name, v)
	}
	return b, nil
}

func cacheKey(content []byte, opts parser.Options) string {
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%s|debug=%t|permissive=%t", hex.EncodeToString(sum[:]), opts.Debug, opts.Permissive)
}
