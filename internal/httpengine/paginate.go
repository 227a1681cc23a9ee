package httpengine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// defaultMaxPages bounds pagination when the caller sets no limit.
const defaultMaxPages = 50

// Paginate walks a paged collection endpoint, gathering items.
func (e *Engine) Paginate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	pagination, err := validation.Obj(args, "pagination")
	if err != nil {
		return nil, err
	}
	kind := strings.ToLower(validation.StrOr(pagination, "type", "page"))

	maxPages := int(validation.IntOr(pagination, "max_pages", defaultMaxPages))
	if maxPages < 1 {
		maxPages = 1
	}
	itemPath := validation.StrOr(pagination, "item_path", "")
	stopOnEmpty := validation.BoolOr(pagination, "stop_on_empty", true)

	var items []interface{}
	var pages []map[string]interface{}

	state := paginationState{
		kind:       kind,
		param:      validation.StrOr(pagination, "param", defaultParam(kind)),
		sizeParam:  validation.StrOr(pagination, "size_param", "size"),
		size:       validation.IntOr(pagination, "size", 0),
		page:       validation.IntOr(pagination, "start_page", 1),
		offset:     validation.IntOr(pagination, "start_offset", 0),
		cursor:     pagination["cursor"],
		cursorPath: validation.StrOr(pagination, "cursor_path", ""),
		linkRel:    validation.StrOr(pagination, "link_rel", "next"),
	}
	if kind == "cursor" && state.cursorPath == "" {
		return nil, errors.InvalidParams("cursor pagination requires cursor_path")
	}

	pageCount := 0
	for pageCount < maxPages {
		pageArgs := clonePageArgs(args)
		if state.nextURL != "" {
			pageArgs["url"] = state.nextURL
			delete(pageArgs, "base_url")
			delete(pageArgs, "path")
			delete(pageArgs, "query")
		} else if err := state.applyQuery(pageArgs); err != nil {
			return nil, err
		}

		raw, err := e.Request(ctx, pageArgs)
		if err != nil {
			return nil, err
		}
		result, ok := raw.(map[string]interface{})
		if !ok {
			return nil, errors.Internal("unexpected pagination response shape", nil)
		}
		if status, ok := validation.OptInt(result, "status"); ok && status >= 400 {
			return nil, errors.Retryable("pagination stopped at status %d", status).
				WithDetail("page", pageCount+1)
		}
		body := encodeBody(result["data"])

		var pageItems []interface{}
		if itemPath != "" {
			extracted := gjson.GetBytes(body, itemPath)
			if extracted.IsArray() {
				for _, item := range extracted.Array() {
					pageItems = append(pageItems, item.Value())
				}
			}
			// an empty page is the stop signal, not a page of results
			if stopOnEmpty && len(pageItems) == 0 {
				break
			}
			items = append(items, pageItems...)
		}

		pageCount++
		pages = append(pages, map[string]interface{}{
			"status": result["status"],
			"url":    result["url"],
		})

		done, err := state.advance(result, body, len(pageItems))
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}

	out := map[string]interface{}{
		"success":    true,
		"page_count": pageCount,
		"pages":      pages,
	}
	if itemPath != "" {
		if items == nil {
			items = []interface{}{}
		}
		out["items"] = items
		out["item_count"] = len(items)
	}
	return out, nil
}

type paginationState struct {
	kind       string
	param      string
	sizeParam  string
	size       int64
	page       int64
	offset     int64
	cursor     interface{}
	cursorPath string
	linkRel    string
	nextURL    string
}

func defaultParam(kind string) string {
	switch kind {
	case "offset":
		return "offset"
	case "cursor":
		return "cursor"
	default:
		return "page"
	}
}

// applyQuery injects the positional query parameters for the next request.
func (s *paginationState) applyQuery(pageArgs map[string]interface{}) error {
	query := map[string]interface{}{}
	if existing, ok := validation.OptObj(pageArgs, "query"); ok {
		for k, v := range existing {
			query[k] = v
		}
	}
	switch s.kind {
	case "page":
		query[s.param] = s.page
		if s.size > 0 {
			query[s.sizeParam] = s.size
		}
	case "offset":
		query[s.param] = s.offset
		if s.size > 0 {
			query[s.sizeParam] = s.size
		}
	case "cursor":
		if s.cursor != nil && fmt.Sprintf("%v", s.cursor) != "0" && fmt.Sprintf("%v", s.cursor) != "" {
			query[s.param] = s.cursor
		}
	case "link":
		// first request uses the caller's URL as-is
	default:
		return errors.InvalidParams("unknown pagination type %q", s.kind)
	}
	pageArgs["query"] = query
	return nil
}

// advance moves the state to the next page; true means stop.
func (s *paginationState) advance(result map[string]interface{}, body []byte, pageItems int) (bool, error) {
	switch s.kind {
	case "page":
		s.page++
	case "offset":
		if s.size <= 0 {
			return false, errors.InvalidParams("offset pagination requires size")
		}
		s.offset += s.size
	case "cursor":
		next := gjson.GetBytes(body, s.cursorPath)
		if !next.Exists() || next.String() == "" {
			return true, nil
		}
		s.cursor = next.Value()
	case "link":
		headers, _ := validation.OptObj(result, "headers")
		link := ""
		if headers != nil {
			if v, ok := headers["Link"].(string); ok {
				link = v
			}
		}
		next := parseLinkHeader(link, s.linkRel)
		if next == "" {
			return true, nil
		}
		s.nextURL = next
	}
	return false, nil
}

var linkEntry = regexp.MustCompile(`<([^>]+)>\s*;([^,]*)`)

// parseLinkHeader extracts the URL for rel from an RFC 5988 Link header.
func parseLinkHeader(header, rel string) string {
	if header == "" {
		return ""
	}
	for _, m := range linkEntry.FindAllStringSubmatch(header, -1) {
		params := m[2]
		if strings.Contains(params, `rel="`+rel+`"`) || strings.Contains(params, "rel="+rel) {
			return m[1]
		}
	}
	return ""
}

func clonePageArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if k == "pagination" {
			continue
		}
		out[k] = v
	}
	return out
}

func encodeBody(data interface{}) []byte {
	switch v := data.(type) {
	case nil:
		return nil
	case string:
		return []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return encoded
	}
}
