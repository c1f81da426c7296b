package utils

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/nijaru/yt-audit/errors"
	"github.com/sirupsen/logrus"
)

func RespondJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

// RespondWithError writes {"error": message} with the status carried by err.
// Errors that are not *errors.AppError become a generic 500.
func RespondWithError(w http.ResponseWriter, err error) {
	RespondJSON(w, errors.StatusCode(err), map[string]string{"error": errors.Message(err)})
}

// ParseIndex parses a non-negative list index from a form or path value.
func ParseIndex(value string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || i < 0 {
		return 0, errors.InvalidInput("ParseIndex", err, "index must be a non-negative integer")
	}
	return i, nil
}
