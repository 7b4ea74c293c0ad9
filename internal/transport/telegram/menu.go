package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// RegisterCommands updates the bot's command menu (setMyCommands).
// It only performs a network call when the command list changes.
func (c *Conn) RegisterCommands(ctx context.Context, cmds []transport.BotCommand) error {
	c.menuMu.Lock()
	defer c.menuMu.Unlock()

	type cmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	payload := struct {
		Commands []cmd `json:"commands"`
	}{Commands: make([]cmd, 0, len(cmds))}

	h := fnv.New64a()
	seen := map[string]bool{}
	for _, bc := range cmds {
		name := transport.SanitizeCommand(bc.Command)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		d := strings.TrimSpace(bc.Description)
		if d == "" {
			d = name
		}
		if len(d) > 256 {
			d = d[:256]
		}
		payload.Commands = append(payload.Commands, cmd{Command: name, Description: d})
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		if len(payload.Commands) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == c.menuHash {
		return nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := c.apiURL + "/bot" + c.token + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("telegram setMyCommands failed: %s (code=%d http=%d)", out.Description, out.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram setMyCommands failed: http=%d", resp.StatusCode)
	}

	c.menuHash = sum
	c.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}
