package tracking

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pseegers/mendel/common"
)

// APISink posts a form-encoded record to a custom audit endpoint.
type APISink struct {
	Endpoint string
	Client   *http.Client
}

func (a *APISink) Name() string { return "api" }

func (a *APISink) Track(ctx context.Context, ev Event) error {
	if a.Endpoint == "" {
		common.WarnLog("unable to track deployment event in custom api, no api endpoint configured in config")
		return nil
	}
	target := a.Endpoint
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "http://" + target
	}
	form := url.Values{
		"service":  {ev.Service},
		"host":     {ev.Host},
		"deployer": {ev.User},
		"event":    {ev.Kind},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := httpClient(a.Client).Do(req)
	if err != nil {
		return fmt.Errorf("could not track event api with url %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unable to track deployment event to the external API (HTTP %d content %s)", resp.StatusCode, b)
	}
	common.InfoLog("tracked %s to external api %s", ev.Kind, a.Endpoint)
	return nil
}
