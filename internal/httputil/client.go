// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/matrix-org/util"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
)

// MakeInternalAPI wraps f as an internal-API handler via
// util.MakeJSONAPI, logging calls that end in a 5xx response under
// metricsName. The internal
// API surface is process-local and unauthenticated, so there's no
// per-route metrics registration here the way the federation-facing
// routes carry one.
func MakeInternalAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	logger := logrus.WithField("internal_api", metricsName)
	wrapped := func(req *http.Request) util.JSONResponse {
		resp := f(req)
		if resp.Code >= http.StatusInternalServerError {
			logger.WithField("code", resp.Code).Error("internal API call failed")
		}
		return resp
	}
	return util.MakeJSONAPI(util.NewJSONRequestHandler(wrapped))
}

// PostJSON marshals request, POSTs it to url propagating the active
// opentracing span over HTTP headers, and decodes a 200 response into
// response. A non-2xx response is surfaced as an error naming the URL
// and status code; the response body is not included.
func PostJSON[reqtype, restype any](ctx context.Context, span opentracing.Span, client *http.Client, url string, request *reqtype, response *restype) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("httputil: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httputil: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if span != nil {
		_ = opentracing.GlobalTracer().Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(httpReq.Header))
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("httputil: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp util.JSONResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("httputil: %s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(response)
}
