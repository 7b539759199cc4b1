//go:build js && wasm

package main

import (
	"io"
	"net/http"
	"syscall/js"
)

const streamChunkSize = 16 << 10

// toJSResponse hands resp to the runtime without buffering its body: the
// ReadableStream pulls one chunk from Go each time the runtime wants more.
func toJSResponse(resp *http.Response) js.Value {
	headers := js.Global().Get("Headers").New()
	for key, values := range resp.Header {
		for _, value := range values {
			headers.Call("append", key, value)
		}
	}
	responseInit := js.Global().Get("Object").New()
	responseInit.Set("status", resp.StatusCode)
	responseInit.Set("headers", headers)

	if nullBodyStatus(resp.StatusCode) {
		resp.Body.Close()
		return js.Global().Get("Response").New(js.Null(), responseInit)
	}
	return js.Global().Get("Response").New(newReadableStream(resp.Body), responseInit)
}

func nullBodyStatus(status int) bool {
	switch status {
	case http.StatusSwitchingProtocols, http.StatusNoContent, http.StatusResetContent, http.StatusNotModified:
		return true
	}
	return false
}

func newReadableStream(body io.ReadCloser) js.Value {
	var pull, cancel js.Func
	release := func() {
		pull.Release()
		cancel.Release()
	}
	buf := make([]byte, streamChunkSize)

	pull = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		controller := args[0]
		// Reading may block, which is not allowed on the JS event loop.
		return promise(func() (js.Value, error) {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := js.Global().Get("Uint8Array").New(n)
				js.CopyBytesToJS(chunk, buf[:n])
				controller.Call("enqueue", chunk)
			}
			switch {
			case err == io.EOF:
				body.Close()
				controller.Call("close")
				release()
			case err != nil:
				body.Close()
				controller.Call("error", js.Global().Get("Error").New(err.Error()))
				release()
			}
			return js.Undefined(), nil
		})
	})
	cancel = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		body.Close()
		release()
		return nil
	})

	return js.Global().Get("ReadableStream").New(js.ValueOf(map[string]interface{}{
		"pull":   pull,
		"cancel": cancel,
	}))
}

// promise runs fn on a goroutine and returns a Promise that resolves with its
// value or rejects with its error.
func promise(fn func() (js.Value, error)) js.Value {
	executor := js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		resolve, reject := args[0], args[1]
		go func() {
			v, err := fn()
			if err != nil {
				reject.Invoke(js.Global().Get("Error").New(err.Error()))
				return
			}
			resolve.Invoke(v)
		}()
		return nil
	})
	// The executor runs synchronously inside the Promise constructor.
	defer executor.Release()
	return js.Global().Get("Promise").New(executor)
}
