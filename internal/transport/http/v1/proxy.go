package v1

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pinchtab/pinchtab/internal/adapter/instanceclient"
	"github.com/pinchtab/pinchtab/internal/domain"
)

// proxiedRoutes are automation endpoints served by the main instance.
var proxiedRoutes = []string{
	"/navigate", "/snapshot", "/screenshot", "/text", "/action",
	"/actions", "/evaluate", "/tab", "/cookies",
}

const (
	targetKey   = "proxy_target"
	instanceKey = "proxy_instance"
)

// mainBalancer sends every request to the target picked by resolveMain.
type mainBalancer struct{}

func (mainBalancer) AddTarget(*middleware.ProxyTarget) bool { return false }

func (mainBalancer) RemoveTarget(string) bool { return false }

func (mainBalancer) Next(c echo.Context) *middleware.ProxyTarget {
	t, _ := c.Get(targetKey).(*middleware.ProxyTarget)
	return t
}

func (h *Handler) registerProxy(e *echo.Echo) {
	proxy := middleware.ProxyWithConfig(middleware.ProxyConfig{
		Balancer:   mainBalancer{},
		ContextKey: "proxy_upstream",
	})
	handler := func(c echo.Context) error { return nil }

	for _, route := range proxiedRoutes {
		e.Any(route, handler, h.resolveMain, h.track, proxy)
		e.Any(route+"/*", handler, h.resolveMain, h.track, proxy)
	}
}

// resolveMain picks the main instance and prepares the proxy target.
func (h *Handler) resolveMain(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		inst, ok := h.service.MainInstance()
		if !ok {
			return writeError(c, domain.NewError(domain.KindUnavailable, "no running instance"))
		}
		target, err := url.Parse(instanceclient.BaseURLFor(inst))
		if err != nil {
			return writeError(c, err)
		}
		c.Set(targetKey, &middleware.ProxyTarget{Name: inst.ID, URL: target})
		c.Set(instanceKey, inst)
		h.service.Client().Authorize(c.Request().Header)
		return next(c)
	}
}

// track records the proxied call as an agent action.
func (h *Handler) track(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		evt := domain.ActivityEvent{
			AgentID:   firstNonEmpty(req.Header.Get("X-Agent-Id"), c.QueryParam("agentId")),
			Profile:   firstNonEmpty(req.Header.Get("X-Profile"), c.QueryParam("profile")),
			Action:    req.Method + " " + req.URL.Path,
			URL:       c.QueryParam("url"),
			TabID:     c.QueryParam("tabId"),
			Timestamp: time.Now(),
		}
		if inst, ok := c.Get(instanceKey).(domain.Instance); ok && evt.Profile == "" && !inst.Orphaned {
			evt.Profile = inst.Name
		}
		peekBody(req, &evt)

		start := time.Now()
		err := next(c)
		evt.DurationMs = time.Since(start).Milliseconds()
		evt.Status = c.Response().Status
		if err != nil {
			evt.Detail = err.Error()
		}
		h.service.Tracker().Record(evt)
		return err
	}
}

// peekBody reads url and tabId from a JSON body without consuming it.
func peekBody(req *http.Request, evt *domain.ActivityEvent) {
	if req.Body == nil || !strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		return
	}
	orig := req.Body
	body, err := io.ReadAll(io.LimitReader(orig, 1<<20))
	req.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), orig), orig}
	if err != nil {
		return
	}

	var fields struct {
		URL   string `json:"url"`
		TabID string `json:"tabId"`
	}
	if json.Unmarshal(body, &fields) != nil {
		return
	}
	if evt.URL == "" {
		evt.URL = fields.URL
	}
	if evt.TabID == "" {
		evt.TabID = fields.TabID
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
