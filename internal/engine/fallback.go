package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"tessera.world/internal/protocol"
)

// Narrator is the generative-language collaborator: given a prompt and a
// persona context, produce text. Calls may take seconds and are made without
// holding any document lock.
type Narrator interface {
	Generate(ctx context.Context, prompt, persona string) (string, error)
}

const narratorTimeout = 20 * time.Second

// generate is the fallback path for actions with no deterministic handler.
func (e *Engine) generate(ctx context.Context, env Env, act Action) CommandResult {
	if e.narrator == nil {
		return failf(protocol.ErrValidation, "I don't know how to %q.", act.Name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "The player attempts: %s", act.Name)
	if len(act.Params) > 0 {
		b, err := json.Marshal(act.Params)
		if err == nil {
			fmt.Fprintf(&sb, " with %s", b)
		}
	}
	sb.WriteString(". Narrate the outcome in one or two sentences.")

	ctx, cancel := context.WithTimeout(ctx, narratorTimeout)
	defer cancel()
	text, err := e.narrator.Generate(ctx, sb.String(), "")
	if err != nil {
		e.log.WithError(err).WithField("action", act.Name).Warn("narrator call failed")
		return failf(protocol.ErrInternal, "The world does not respond. Try again.")
	}
	res := okf("%s", text)
	return res.withMeta("path", "generative")
}

// HTTPNarrator talks to the narrative backend over plain HTTP JSON.
type HTTPNarrator struct {
	URL    string
	Client *http.Client
}

func NewHTTPNarrator(url string) *HTTPNarrator {
	return &HTTPNarrator{URL: url, Client: &http.Client{Timeout: narratorTimeout}}
}

func (n *HTTPNarrator) Generate(ctx context.Context, prompt, persona string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt, "persona": persona})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("narrator: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("narrator: invalid response: %w", err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("narrator: empty response")
	}
	return out.Text, nil
}

// StaticNarrator returns a canned line; used when no backend is configured.
type StaticNarrator struct {
	Line string
}

func (n StaticNarrator) Generate(_ context.Context, _, _ string) (string, error) {
	if n.Line == "" {
		return "Nothing happens.", nil
	}
	return n.Line, nil
}
