package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pseegers/mendel/common"
)

// GraphiteSink posts to the graphite events API at http://{host}/events/.
type GraphiteSink struct {
	Host   string
	Client *http.Client
}

type graphiteEvent struct {
	What string   `json:"what"`
	Tags []string `json:"tags"`
	Data string   `json:"data"`
}

func (g *GraphiteSink) Name() string { return "graphite" }

// Track posts the event, retrying exactly once on a transport error.
func (g *GraphiteSink) Track(ctx context.Context, ev Event) error {
	if g.Host == "" {
		common.WarnLog("unable to track deployment event in graphite, no graphite host configured in ~/.mendel.conf")
		return nil
	}
	url := fmt.Sprintf("http://%s/events/", strings.TrimSuffix(g.Host, "/"))
	body, err := json.Marshal(graphiteEvent{
		What: fmt.Sprintf("%s %s %s version %s on host %s", ev.User, ev.Kind, ev.Service, versionOrUnknown(ev.Version), ev.Host),
		Tags: []string{ev.Service, ev.Kind},
		Data: "",
	})
	if err != nil {
		return err
	}

	resp, err := g.post(ctx, url, body)
	if err != nil {
		common.DebugLog("graphite: first attempt failed (%v), retrying once", err)
		resp, err = g.post(ctx, url, body)
		if err != nil {
			return fmt.Errorf("error while tracking deployment event in graphite: %w", err)
		}
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unable to track deployment event in graphite: HTTP %d", resp.StatusCode)
	}
	common.InfoLog("tracked %s in graphite (%s)", ev.Kind, body)
	return nil
}

func (g *GraphiteSink) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient(g.Client).Do(req)
	if err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp, nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: DefaultTimeout}
}

func versionOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
