package detector

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/andresmejia3/puppysense/internal/logger"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// maxModelBytes bounds a downloaded weights file.
const maxModelBytes = 256 << 20

// fetchModel reads weights from a local path or an http(s) URL.
func fetchModel(ctx context.Context, location string, log *zap.Logger) ([]byte, error) {
	if location == "" {
		return nil, errors.New("no model location configured")
	}
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		return os.ReadFile(location)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = logger.NewLeveled(log)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("GET %s: %s", location, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModelBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxModelBytes {
		return nil, errors.Newf("model at %s exceeds %d bytes", location, maxModelBytes)
	}
	return data, nil
}
