// Copyright 2025 James Ross
package extract

import (
	"fmt"
	"io"
	"net/http"

	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
)

// statusError classifies a non-2xx response the way the extraction workers'
// failure semantics require: 4xx is fatal (auth/permission, never recoverable
// by retrying), 5xx and anything else is transient.
func statusError(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err := fmt.Errorf("%s request failed: %s: %s", provider, resp.Status, string(body))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return etlerr.AsFatal(err)
	}
	return etlerr.AsTransient(err)
}
