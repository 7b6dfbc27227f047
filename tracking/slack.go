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

// Chat message constants.
const (
	SlackUsername    = "Mendel"
	SlackFailureIcon = ":rotating_light:"
)

// SlackSink posts to an incoming webhook.
type SlackSink struct {
	URL    string
	Emoji  string
	Client *http.Client
}

type SlackPayload struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	IconEmoji string `json:"icon_emoji"`
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Track(ctx context.Context, ev Event) error {
	if s.URL == "" {
		common.WarnLog("no slack_url found; skipping slack notification")
		return nil
	}
	body, err := json.Marshal(SlackMessage(ev, s.Emoji))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient(s.Client).Do(req)
	if err != nil {
		return fmt.Errorf("could not notify slack that a mendel event took place: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("could not notify slack that a mendel event took place: HTTP %d %s", resp.StatusCode, b)
	}
	common.InfoLog("tracked %s in slack", ev.Kind)
	return nil
}

// SlackMessage renders the webhook payload for ev.
func SlackMessage(ev Event, emoji string) SlackPayload {
	if emoji == "" {
		emoji = ":rocket:"
	}
	version := versionOrUnknown(ev.Version)
	if ev.Failure {
		return SlackPayload{
			Username: SlackUsername,
			Text: fmt.Sprintf("*DEPLOY FAILED FOR* %s %s @ %s, version *%s* to host(s) %s with error %s *ABORTING DEPLOY*",
				ev.User, ev.Service, ev.Commit, version, ev.Host, ev.Message),
			IconEmoji: SlackFailureIcon,
		}
	}
	return SlackPayload{
		Username: SlackUsername,
		Text: fmt.Sprintf("%s *%s* %s @ %s, version *%s* to host(s) %s",
			ev.User, strings.ToUpper(ev.Kind), ev.Service, ev.Commit, version, ev.Host),
		IconEmoji: emoji,
	}
}
