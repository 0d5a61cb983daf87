package llm

import (
	"context"
	"errors"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

// classify maps a client library error to a model.BackendError.
func classify(service, op string, err error) error {
	if err == nil {
		return nil
	}

	be := &model.BackendError{Service: service, Op: op, Kind: model.KindFatal, Err: err}

	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
		antErr *anthropic.Error
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		be.Kind = model.KindTimeout
	case errors.Is(err, context.Canceled):
		be.Kind = model.KindFatal
	case errors.As(err, &apiErr):
		be.StatusCode = apiErr.HTTPStatusCode
		be.Kind = model.KindFromStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		be.StatusCode = reqErr.HTTPStatusCode
		if reqErr.HTTPStatusCode == 0 {
			be.Kind = model.KindNetwork
		} else {
			be.Kind = model.KindFromStatus(reqErr.HTTPStatusCode)
		}
	case errors.As(err, &antErr):
		be.StatusCode = antErr.StatusCode
		be.Kind = model.KindFromStatus(antErr.StatusCode)
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			be.Kind = model.KindTimeout
		} else {
			be.Kind = model.KindNetwork
		}
	}
	return be
}

// statusCode returns the HTTP status carried by a classified error, or 0.
func statusCode(err error) int {
	var be *model.BackendError
	if errors.As(err, &be) {
		return be.StatusCode
	}
	return 0
}
