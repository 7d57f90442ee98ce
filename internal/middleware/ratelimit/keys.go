package ratelimit

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/middleware"
	"github.com/wudi/edgegate/internal/pipeline"
)

// KeyFunc derives the per-client part of a counter key.
type KeyFunc func(r *http.Request, rc pipeline.RequestContext) string

// KeyFor returns the key function for a configured strategy.
func KeyFor(strategy string) KeyFunc {
	switch strategy {
	case config.KeyAPIKey:
		return apiKey
	case config.KeyRecovery:
		return recoveryKey
	default:
		return ipSubject
	}
}

// ipSubject keys on client address and authenticated subject.
func ipSubject(_ *http.Request, rc pipeline.RequestContext) string {
	return rc.ClientAddr() + ":" + rc.Subject()
}

// apiKey keys on the presented API key, looked up in the X-API-Key header,
// the apiKey query parameter, then the JSON body. The key itself is hashed
// so secrets never land in the counter store.
func apiKey(r *http.Request, _ pipeline.RequestContext) string {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("apiKey")
	}
	if key == "" {
		key = jsonField(r, "apiKey")
	}
	if key == "" {
		return "anonymous"
	}
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// recoveryKey keys on client address plus the account email from the body,
// when one is present.
func recoveryKey(r *http.Request, rc pipeline.RequestContext) string {
	key := rc.ClientAddr()
	if email := strings.ToLower(strings.TrimSpace(jsonField(r, "email"))); email != "" {
		key += ":" + email
	}
	return key
}

func jsonField(r *http.Request, path string) string {
	if !middleware.IsJSON(r.Header.Get("Content-Type")) {
		return ""
	}
	body, err := middleware.ReadBody(r)
	if err != nil || len(body) == 0 {
		return ""
	}
	return gjson.GetBytes(body, path).String()
}
