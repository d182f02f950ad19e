package endpoint

import (
	"encoding/json"
	"net/http"
)

// StringRenderer writes a string as the response body with an optional
// status code and content type.
//
// When ContentType is empty, StringRenderer defaults to
// "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// setContentType sets Content-Type unless an outer renderer already did.
func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") != "" {
		return
	}
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
}

func statusOr(status, def int) int {
	if status == 0 {
		return def
	}
	return status
}

// Render implements Renderer for StringRenderer.
func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, sr.ContentType)
	w.WriteHeader(statusOr(sr.Status, http.StatusOK))
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// BytesRenderer writes a body that has already been encoded.
//
// The jsonrpc package encodes responses completely before rendering so a
// client never sees a truncated body; BytesRenderer then only copies bytes.
// ContentType defaults to "application/json".
type BytesRenderer struct {
	Status      int
	Body        []byte
	ContentType string
}

// Render implements Renderer for BytesRenderer.
func (br *BytesRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	ct := br.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(statusOr(br.Status, http.StatusOK))
	if len(br.Body) == 0 {
		return nil
	}
	_, err := w.Write(br.Body)
	return err
}

// JSONRenderer serializes Value as JSON. Content-Type is always
// "application/json" and the output ends in a newline.
//
// Encoding happens after WriteHeader, so an encoding error can only be
// reported to the caller, not to the client.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOr(jr.Status, http.StatusOK))
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}

// NoContentRenderer writes a response with no body and a specific status code.
//
// If Status is 0, it defaults to http.StatusNoContent.
type NoContentRenderer struct {
	Status int
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(statusOr(ncr.Status, http.StatusNoContent))
	return nil
}

// RedirectRenderer redirects the client to a new URL.
//
// If Status is 0, it defaults to http.StatusTemporaryRedirect (307).
type RedirectRenderer struct {
	URL    string
	Status int
}

// Render implements Renderer for RedirectRenderer.
func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	http.Redirect(w, r, rr.URL, statusOr(rr.Status, http.StatusTemporaryRedirect))
	return nil
}
