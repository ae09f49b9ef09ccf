package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	colorFailure = "#FF0000"
	colorWarning = "#FFA500"
	colorOK      = "#00FF00"
)

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func header(text string) slackBlock {
	return slackBlock{Type: "header", Text: &slackText{Type: "plain_text", Text: text, Emoji: true}}
}

func section(text string) slackBlock {
	return slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: text}}
}

func fields(kv ...string) slackBlock {
	b := slackBlock{Type: "section"}
	for i := 0; i+1 < len(kv); i += 2 {
		b.Fields = append(b.Fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", kv[i], kv[i+1])})
	}
	return b
}

func contextLine(text string) slackBlock {
	return slackBlock{Type: "context", Elements: []slackText{{Type: "mrkdwn", Text: text}}}
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

func failurePayload(ev Failure, ts string) slackMessage {
	return slackMessage{Attachments: []slackAttachment{{
		Color: colorFailure,
		Blocks: []slackBlock{
			header("SP-API Pull Failed"),
			fields(
				"Pull Type", ev.PullType,
				"Unit", ev.Unit,
				"Error", ev.Error,
				"Retries", fmt.Sprint(ev.Retries),
			),
			contextLine("Time: " + ts),
		},
	}}}
}

func partialPayload(ev Partial, ts string) slackMessage {
	blocks := []slackBlock{
		header("SP-API Pull Partial Completion"),
		fields(
			"Pull Type", ev.PullType,
			"Date", ev.Period,
			"Completed", orNone(ev.Completed),
			"Failed", orNone(ev.Failed),
		),
	}
	if len(ev.Errors) > 0 {
		units := make([]string, 0, len(ev.Errors))
		for u := range ev.Errors {
			units = append(units, u)
		}
		sort.Strings(units)
		lines := make([]string, 0, len(units))
		for _, u := range units {
			lines = append(lines, fmt.Sprintf("• %s: %s", u, ev.Errors[u]))
		}
		blocks = append(blocks, section("*Error Details:*\n"+strings.Join(lines, "\n")))
	}
	blocks = append(blocks, contextLine("Time: "+ts))
	return slackMessage{Attachments: []slackAttachment{{Color: colorWarning, Blocks: blocks}}}
}

func summaryPayload(ev Summary, completed, failed int, ts string) slackMessage {
	status := fmt.Sprintf("Partial (%d failed)", failed)
	if completed == 0 {
		status = "Failed"
	}
	return slackMessage{Attachments: []slackAttachment{{
		Color: colorWarning,
		Blocks: []slackBlock{
			header("SP-API Pull " + status),
			fields(
				"Pull Type", ev.PullType,
				"Date", ev.Period,
				"Units", fmt.Sprintf("%d/%d success", completed, len(ev.Results)),
				"Total Rows", fmt.Sprint(ev.TotalRows),
			),
			contextLine(fmt.Sprintf("Duration: %.1fs | Time: %s", ev.Duration.Seconds(), ts)),
		},
	}}}
}

func gapPayload(ev GapReport, markets []string) slackMessage {
	color := colorFailure
	if ev.Repaired > 0 {
		color = colorWarning
	}
	if ev.Repaired >= ev.Total() {
		color = colorOK
	}
	mode := "AUTO-REPAIR"
	if ev.DryRun {
		mode = "DRY RUN"
	}

	lines := make([]string, 0, len(markets))
	for _, mp := range markets {
		dates := ev.Gaps[mp]
		shown := dates
		suffix := ""
		if len(dates) > 5 {
			shown = dates[:5]
			suffix = fmt.Sprintf(" (+%d more)", len(dates)-5)
		}
		lines = append(lines, fmt.Sprintf("*%s*: %s%s", mp, strings.Join(shown, ", "), suffix))
	}
	text := fmt.Sprintf("*Gaps Found:* %d\n%s", ev.Total(), strings.Join(lines, "\n"))
	if !ev.DryRun && ev.Attempted > 0 {
		text += fmt.Sprintf("\n*Repairs*: %d/%d successful", ev.Repaired, ev.Attempted)
	}

	return slackMessage{Attachments: []slackAttachment{{
		Color:  color,
		Blocks: []slackBlock{header(fmt.Sprintf("SP-API Gap Detection [%s]", mode)), section(text)},
	}}}
}

// sendSlack posts msg to the webhook. Errors are logged and dropped.
func (m *Manager) sendSlack(ctx context.Context, msg slackMessage) {
	if m.webhook == "" {
		return
	}
	if err := m.postSlack(ctx, msg); err != nil {
		m.logger.Warn("Slack notification failed", zap.Error(err))
		return
	}
	m.logger.Debug("Slack notification sent")
}

func (m *Manager) postSlack(ctx context.Context, msg slackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
