package middleware

import (
	"bytes"
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/wudi/edgegate/internal/errors"
)

// IsJSON reports whether a Content-Type names a JSON payload.
func IsJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || (len(mt) > 5 && mt[len(mt)-5:] == "+json")
}

// ReadBody drains r.Body and puts an identical reader back so later
// stages and the forwarder still see the payload.
func ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		r.Body = http.NoBody
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// ReplaceBody swaps the request payload and fixes Content-Length.
func ReplaceBody(r *http.Request, data []byte) {
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
	r.Header.Set("Content-Length", strconv.Itoa(len(data)))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// BodyError maps a body read failure to the gateway error a client sees.
func BodyError(err error) *errors.GatewayError {
	var mbe *http.MaxBytesError
	if stderrors.As(err, &mbe) {
		return errors.PayloadTooLarge()
	}
	return errors.Validation("Invalid request body", nil)
}
