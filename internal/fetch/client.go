// Package fetch reads reserve and rate data from the Aave V3 data provider contract.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// newRetryClient creates an HTTP client that retries connection errors and 5xx responses
func newRetryClient(retryMax int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logrus.WithField("component", "rpc").Debugf("Retrying %s %s (attempt %d)", req.Method, req.URL.Host, attempt)
		}
	}
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// DialRPC connects to an Ethereum JSON-RPC endpoint. HTTP endpoints use a retrying
// transport; websocket and IPC endpoints are dialed as-is.
func DialRPC(ctx context.Context, url string, retryMax int) (*ethclient.Client, error) {
	var opts []rpc.ClientOption
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		opts = append(opts, rpc.WithHTTPClient(StandardClient(newRetryClient(retryMax))))
	}

	c, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc %s: %w", redactURL(url), err)
	}
	return ethclient.NewClient(c), nil
}

// redactURL drops path and query, which commonly carry provider API keys
func redactURL(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}
