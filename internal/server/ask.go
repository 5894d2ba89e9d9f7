package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/provider/ask"
)

const maxAskBody = 1 << 20

// askRequest accepts either a single prompt or a full conversation in the
// generateContent shape. When both are present the prompt is appended as the
// final user turn.
type askRequest struct {
	Prompt   string       `json:"prompt,omitempty"`
	Contents []askContent `json:"contents,omitempty"`
}

type askContent struct {
	Role  string    `json:"role"`
	Parts []askPart `json:"parts"`
}

type askPart struct {
	Text string `json:"text"`
}

type askResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r askRequest) toRequest() ask.Request {
	var req ask.Request
	for _, c := range r.Contents {
		texts := make([]string, 0, len(c.Parts))
		for _, p := range c.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		req.Turns = append(req.Turns, ask.Turn{Role: ask.Role(c.Role), Text: strings.Join(texts, "\n")})
	}
	if r.Prompt != "" {
		req.Turns = append(req.Turns, ask.Turn{Role: ask.RoleUser, Text: r.Prompt})
	}
	return req
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	if s.asker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no text provider configured"})
		return
	}

	var body askRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBody))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req := body.toRequest()
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	resp, err := s.asker.Ask(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			log.Debug("server: ask cancelled by client")
			return
		}
		if errors.Is(err, ask.ErrNoProvider) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no text provider configured"})
			return
		}
		log.Error("server: ask failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "model request failed"})
		return
	}
	var text string
	if resp != nil {
		text = resp.Text
	}
	writeJSON(w, http.StatusOK, askResponse{Text: ask.TextOrEmpty(text)})
}

// cors adds CORS headers for allowed origins. Requests from other origins are
// served without them and the browser blocks the response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			h.Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
