// Package portal is a client for the sharing REST API of an
// ArcGIS-compatible GIS portal, covering the slice needed to overwrite a
// hosted feature layer: token generation, item lookup, file update, and
// publish.
package portal

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrItemNotFound is returned when the portal has no item under the
	// requested id, or hides it from the signed-in user.
	ErrItemNotFound = errors.New("portal item not found")

	// ErrNoDataItem is returned when a feature service has no related
	// data item. Overwrite republishes the originally uploaded file, so
	// without one there is nothing to update.
	ErrNoDataItem = errors.New("no related data item behind the service item")
)

// Error is the portal's JSON error envelope. The portal reports most
// failures inside an HTTP 200 response, so every body gets checked for it.
type Error struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *Error) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("portal error %d: %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("portal error %d: %s", e.Code, e.Message)
}

// checkEnvelope surfaces an error envelope if the body carries one. Bodies
// that are not JSON are left for the caller's own decode to complain about.
func checkEnvelope(body []byte) error {
	var envelope struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	return nil
}

// decode turns one portal response into dst, handling bad statuses and the
// error envelope first.
func decode(rest string, status int, body []byte, dst any) error {
	if status != http.StatusOK {
		return fmt.Errorf("portal returned status %d for %s: %s", status, rest, snippet(body))
	}
	if err := checkEnvelope(body); err != nil {
		return fmt.Errorf("%s: %w", rest, err)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to decode portal response for %s: %w", rest, err)
	}
	return nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
