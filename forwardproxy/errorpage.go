// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package forwardproxy

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/bufbuild/httprelay"
)

//nolint:gochecknoglobals
var errorPageTemplate = template.Must(template.New("errorpage").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Status}} {{.Reason}}</title></head>
<body>
<h1>{{.Status}} {{.Reason}}</h1>
<p>{{.Message}}</p>
<hr>
<p><em>httprelay forward proxy</em></p>
</body>
</html>
`))

type errorPageData struct {
	Status  int
	Reason  string
	Message string
}

// writeErrorPage writes a complete, framed HTTP/1.1 error response with a
// small HTML body. The response always carries Connection: close; an
// errored exchange never keeps the downstream alive.
func writeErrorPage(w io.Writer, status int, reason, message string) error {
	if reason == "" {
		reason = http.StatusText(status)
	}
	var body strings.Builder
	if err := errorPageTemplate.Execute(&body, errorPageData{
		Status:  status,
		Reason:  reason,
		Message: message,
	}); err != nil {
		return err
	}
	var head strings.Builder
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", status, reason)
	head.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(&head, "Content-Length: %d\r\n", body.Len())
	head.WriteString("Connection: close\r\n\r\n")
	if _, err := io.WriteString(w, head.String()); err != nil {
		return err
	}
	_, err := io.WriteString(w, body.String())
	return err
}

// gatewayStatus maps an upstream failure to the status the downstream
// peer sees: timeouts are 504, everything else is 502.
func gatewayStatus(err error) (int, string) {
	var transportErr *httprelay.TransportError
	if errors.As(err, &transportErr) && transportErr.Timeout() {
		return http.StatusGatewayTimeout, "Gateway Timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "Gateway Timeout"
	}
	return http.StatusBadGateway, "Bad Gateway"
}
