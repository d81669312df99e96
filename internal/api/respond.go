// internal/api/respond.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// validationMessage turns validator errors into a single client-facing line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := jsonFieldName(fe)
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("'%s' is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("'%s' must be one of %s", field, strings.ReplaceAll(fe.Param(), " ", ", ")))
		case "max":
			msgs = append(msgs, fmt.Sprintf("'%s' must be at most %s characters", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("'%s' is invalid", field))
		}
	}
	return strings.Join(msgs, "; ")
}

var fieldNames = map[string]string{
	"Repo":                 "repo",
	"Branch":               "branch",
	"NotificationInterval": "notification_interval",
}

func jsonFieldName(fe validator.FieldError) string {
	if name, ok := fieldNames[fe.Field()]; ok {
		return name
	}
	return fe.Field()
}
