package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	// "4G", "512M"
	validate.RegisterValidation("quantity", func(fl validator.FieldLevel) bool {
		_, err := units.RAMInBytes(fl.Field().String())
		return err == nil
	})
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// writeServiceError renders a manager error with the status of its kind
func writeServiceError(w http.ResponseWriter, err error) {
	if e, ok := errdefs.As(err); ok {
		writeError(w, e.HTTPStatus(), e.Code, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, errdefs.CodeInternal, err.Error())
}

// decode reads a JSON body, rejecting unknown fields
func decode(r *http.Request, v any) error {
	return decodeBody(r, v, true)
}

// decodeNotification reads a registrar payload, which carries many fields
// burrow does not use
func decodeNotification(r *http.Request, v any) error {
	return decodeBody(r, v, false)
}

func decodeBody(r *http.Request, v any, strict bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return errdefs.InvalidArgument("invalid JSON: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return errdefs.InvalidArgument("validation error: %v", err)
	}
	return nil
}
