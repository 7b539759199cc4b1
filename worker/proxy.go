//go:build js && wasm

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"syscall/js"

	"github.com/rs/zerolog"

	"github.com/andesco/styleproxy/pkg/config"
	"github.com/andesco/styleproxy/pkg/styleproxy"
)

var (
	proxyMu       sync.Mutex
	proxyInstance *styleproxy.Proxy
)

func initProxy(env js.Value) (*styleproxy.Proxy, error) {
	proxyMu.Lock()
	defer proxyMu.Unlock()
	if proxyInstance != nil {
		return proxyInstance, nil
	}

	cfg := config.Default()
	if err := cfg.ApplyEnv(func(key string) (string, bool) { return getEnvVar(env, key) }); err != nil {
		return nil, err
	}
	logger := zerolog.New(os.Stdout).With().Str("component", "worker").Logger()
	p, err := styleproxy.New(cfg, styleproxy.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize proxy: %w", err)
	}
	proxyInstance = p
	return proxyInstance, nil
}

func proxyHandler(request, env js.Value) (js.Value, error) {
	p, err := initProxy(env)
	if err != nil {
		return createErrorResponse(http.StatusInternalServerError, err.Error()), nil
	}

	reqURL, err := url.Parse(request.Get("url").String())
	if err != nil {
		// The runtime hands us absolute URLs, so this is not the caller's fault.
		return createErrorResponse(http.StatusInternalServerError, err.Error()), nil
	}

	resp := p.ProcessRequest(context.Background(), reqURL.Query())
	return toJSResponse(resp), nil
}

// createErrorResponse builds a plain-text Response for failures outside the proxy core.
func createErrorResponse(status int, message string) js.Value {
	responseInit := js.Global().Get("Object").New()
	responseInit.Set("status", status)
	responseInit.Set("statusText", message)

	headers := js.Global().Get("Object").New()
	headers.Set("Content-Type", "text/plain")
	responseInit.Set("headers", headers)

	return js.Global().Get("Response").New(message, responseInit)
}

func getEnvVar(env js.Value, key string) (string, bool) {
	if env.IsUndefined() || env.IsNull() {
		return "", false
	}
	v := env.Get(key)
	if v.IsUndefined() || v.IsNull() {
		return "", false
	}
	return v.String(), true
}
