package transport

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/dist-adapter/ea-framework/internal/model"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func mustSuccessResponse() model.AdapterResponse {
	return model.AdapterResponse{StatusCode: 200, Data: map[string]any{"price": 123.45}}
}
