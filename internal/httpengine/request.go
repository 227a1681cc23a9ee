package httpengine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// builtRequest is the fully normalized request ready to send.
type builtRequest struct {
	Method      string
	URL         string
	Headers     map[string]string
	AuthHeaders map[string]string
	Body        []byte
	BodyReader  io.Reader
	ContentType string

	FollowRedirects bool
	Insecure        bool
	ResponseType    string
	TimeoutMs       int64

	Retry RetryPolicy
	Cache CachePolicy

	ProfileName string
}

// buildRequest normalizes method, URL, query, headers, body and policies
// from the caller args layered over the resolved profile.
func (e *Engine) buildRequest(args map[string]interface{}, profile *store.Profile) (*builtRequest, error) {
	br := &builtRequest{
		Method:       strings.ToUpper(validation.StrOr(args, "method", "GET")),
		ResponseType: strings.ToLower(validation.StrOr(args, "response_type", "auto")),
		TimeoutMs:    validation.IntOr(args, "timeout_ms", 0),
	}

	var profileData map[string]interface{}
	if profile != nil {
		br.ProfileName = profile.Name
		profileData = profile.Data
	}

	rawURL, err := composeURL(args, profileData)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.InvalidParams("invalid url %q: %v", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.InvalidParams("unsupported scheme %q; only http(s) allowed", parsed.Scheme)
	}
	if err := appendQuery(parsed, args["query"]); err != nil {
		return nil, err
	}
	br.URL = parsed.String()

	// headers: profile under request
	headers := make(map[string]string)
	if profileData != nil {
		if ph, ok := validation.OptObj(profileData, "headers"); ok {
			for k, v := range headerMap(ph) {
				headers[k] = v
			}
		}
	}
	if rh, ok := validation.OptObj(args, "headers"); ok {
		for k, v := range headerMap(rh) {
			headers[k] = v
		}
	}
	br.Headers = headers

	if err := buildBody(br, args); err != nil {
		return nil, err
	}

	br.FollowRedirects = validation.BoolOr(args, "follow_redirects", true)
	br.Insecure = validation.BoolOr(args, "insecure_ok", false)

	br.Retry = DefaultRetryPolicy()
	if profileData != nil {
		if pr, ok := validation.OptObj(profileData, "retry"); ok {
			br.Retry = br.Retry.Layer(pr)
		}
	}
	if rr, ok := validation.OptObj(args, "retry"); ok {
		br.Retry = br.Retry.Layer(rr)
	}

	br.Cache = CachePolicy{}
	if profileData != nil {
		if pc, ok := validation.OptObj(profileData, "cache"); ok {
			br.Cache = br.Cache.Layer(pc)
		}
	}
	if rc, ok := validation.OptObj(args, "cache"); ok {
		br.Cache = br.Cache.Layer(rc)
	}

	return br, nil
}

// composeURL joins base_url+path or takes url verbatim.
func composeURL(args, profileData map[string]interface{}) (string, error) {
	if full, ok := validation.OptStr(args, "url"); ok {
		return full, nil
	}

	base := validation.StrOr(args, "base_url", "")
	if base == "" && profileData != nil {
		base = validation.StrOr(profileData, "base_url", "")
	}
	path := validation.StrOr(args, "path", "")
	if base == "" {
		return "", errors.InvalidParams("url, or base_url/profile with path, is required")
	}
	if path == "" {
		return base, nil
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"), nil
}

// appendQuery merges the query argument into the URL. A string is taken
// raw; an object contributes repeated keys for array values.
func appendQuery(u *url.URL, raw interface{}) error {
	switch q := raw.(type) {
	case nil:
		return nil
	case string:
		if q == "" {
			return nil
		}
		if u.RawQuery == "" {
			u.RawQuery = q
		} else {
			u.RawQuery += "&" + q
		}
		return nil
	case map[string]interface{}:
		values := u.Query()
		for k, v := range q {
			switch val := v.(type) {
			case []interface{}:
				for _, item := range val {
					values.Add(k, queryString(item))
				}
			default:
				values.Add(k, queryString(val))
			}
		}
		u.RawQuery = values.Encode()
		return nil
	default:
		return errors.InvalidParams("query must be a string or object")
	}
}

func queryString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// drop the .0 for integral values
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// buildBody normalizes the request body. Precedence: body_base64, form,
// JSON-typed or structured body, then plain text.
func buildBody(br *builtRequest, args map[string]interface{}) error {
	if b64, ok := validation.OptStr(args, "body_base64"); ok {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return errors.InvalidParams("body_base64 is not valid base64: %v", err)
		}
		br.Body = decoded
		br.ContentType = "application/octet-stream"
		return nil
	}

	if form, ok := validation.OptObj(args, "form"); ok {
		values := url.Values{}
		for k, v := range form {
			switch val := v.(type) {
			case []interface{}:
				for _, item := range val {
					values.Add(k, queryString(item))
				}
			default:
				values.Add(k, queryString(val))
			}
		}
		br.Body = []byte(values.Encode())
		br.ContentType = "application/x-www-form-urlencoded"
		return nil
	}

	body, present := args["body"]
	if !present || body == nil {
		return nil
	}

	bodyType := strings.ToLower(validation.StrOr(args, "body_type", ""))
	switch v := body.(type) {
	case string:
		if bodyType == "json" {
			br.Body = []byte(v)
			br.ContentType = "application/json"
		} else {
			br.Body = []byte(v)
			br.ContentType = "text/plain"
		}
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(v)
		if err != nil {
			return errors.InvalidParams("body not serializable: %v", err)
		}
		br.Body = encoded
		br.ContentType = "application/json"
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return errors.InvalidParams("body not serializable: %v", err)
		}
		br.Body = encoded
		br.ContentType = "application/json"
	}
	return nil
}

// reader returns a fresh reader over Body for each attempt. A streaming
// BodyReader is returned as is, so it can be consumed only once.
func (br *builtRequest) reader() io.Reader {
	if br.BodyReader != nil {
		return br.BodyReader
	}
	if br.Body == nil {
		return nil
	}
	return bytes.NewReader(br.Body)
}
