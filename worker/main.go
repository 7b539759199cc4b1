//go:build js && wasm

package main

import (
	"errors"
	"fmt"
	"net/http"
	"syscall/js"
)

func main() {
	js.Global().Set("goFetch", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		return promise(func() (js.Value, error) { return serve(args) })
	}))
	select {}
}

// serve answers goFetch(request, env, ctx) from the Workers shim. Only a
// malformed call rejects the promise; a panic while proxying becomes a 500.
func serve(args []js.Value) (resp js.Value, err error) {
	if len(args) < 2 {
		return js.Undefined(), errors.New("goFetch: expected request and env arguments")
	}
	defer func() {
		if r := recover(); r != nil {
			resp, err = createErrorResponse(http.StatusInternalServerError, fmt.Sprint(r)), nil
		}
	}()
	return proxyHandler(args[0], args[1])
}
