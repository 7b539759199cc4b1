package handlers

import (
	"net/http"
	"net/url"

	"github.com/gofiber/fiber/v2"

	"github.com/andesco/styleproxy/pkg/styleproxy"
)

// ProxySite is a Fiber handler that proxies the page named in the query
// string through the styleproxy core. It answers every method and path.
func ProxySite(p *styleproxy.Proxy) fiber.Handler {
	return func(c *fiber.Ctx) error {
		resp := p.ProcessRequest(c.UserContext(), queryValues(c))
		return sendResponse(c, resp)
	}
}

// queryValues converts the fasthttp query args, keeping repeated keys.
func queryValues(c *fiber.Ctx) url.Values {
	values := url.Values{}
	c.Request().URI().QueryArgs().VisitAll(func(key, value []byte) {
		values.Add(string(key), string(value))
	})
	return values
}

// Connection-level headers belong to the upstream hop; fasthttp sets its own.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// sendResponse copies status and headers and streams the body. fasthttp
// closes the body once it has been written out.
func sendResponse(c *fiber.Ctx, resp *http.Response) error {
	c.Status(resp.StatusCode)
	for key, values := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	if resp.ContentLength >= 0 {
		return c.SendStream(resp.Body, int(resp.ContentLength))
	}
	return c.SendStream(resp.Body)
}
