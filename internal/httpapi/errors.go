package httpapi

import (
	"encoding/json"

	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
	"github.com/valyala/fasthttp"
)

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// writeError maps err onto an HTTP status and an OpenAI-shaped error body.
// A *gatewayerr.Error carries its own status via HTTPStatus(); any other
// error is treated as an unclassified 500.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	code := "internal_error"
	msg := err.Error()

	if ge, ok := gatewayerr.AsError(err); ok {
		status = ge.HTTPStatus()
		code = ge.Code
	}

	var body errorBody
	body.Error.Message = msg
	body.Error.Type = "gateway_error"
	body.Error.Code = code

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(body)
	ctx.SetBody(data)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetBody(data)
}
