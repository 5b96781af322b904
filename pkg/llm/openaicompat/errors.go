package openaicompat

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rhuss/schaubild/pkg/llm"
)

// MapHTTPError converts a non-2xx response into an *llm.Error, using the
// backend's error message when the body carries one.
func MapHTTPError(resp *http.Response) *llm.Error {
	return llm.NewStatusError(backendName, resp.StatusCode, ExtractErrorMessage(resp.Body))
}

// ExtractErrorMessage tries to parse the response body as a ChatErrorResponse
// and returns the error message if found.
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp ChatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}

	return ""
}
