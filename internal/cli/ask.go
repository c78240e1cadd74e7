package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soyeahso/seekchat/internal/agent"
	"github.com/soyeahso/seekchat/internal/config"
	"github.com/soyeahso/seekchat/internal/domain"
	"github.com/soyeahso/seekchat/internal/gateway"
)

func newAskCmd() *cobra.Command {
	var (
		server  string
		token   string
		chatID  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a running server a question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if server == "" {
				server = fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)
			}
			if token == "" {
				return fmt.Errorf("--token is required (mint one with `seekchat token issue`)")
			}

			req := gateway.ChatRequest{
				Messages: []domain.Message{{Role: domain.RoleUser, Content: strings.Join(args, " ")}},
				ChatID:   chatID,
			}
			return ask(cmd.Context(), http.DefaultClient, server, token, req, cmd.OutOrStdout(), cmd.ErrOrStderr(), verbose)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server URL (default http://127.0.0.1:<gateway.port>)")
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&chatID, "chat", "", "continue this chat id")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show tool calls and signals")
	return cmd
}

// ask posts one chat turn and renders the data stream: text to out, and
// with verbose, tool activity and signals to errOut.
func ask(ctx context.Context, client *http.Client, server, token string, body gateway.ChatRequest, out, errOut io.Writer, verbose bool) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/chat", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e gateway.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		f, err := gateway.DecodeFrame(sc.Bytes())
		if err != nil {
			return err
		}
		switch f.Code {
		case gateway.CodeText:
			var s string
			if err := json.Unmarshal(f.Payload, &s); err != nil {
				return err
			}
			fmt.Fprint(out, s)
		case gateway.CodeError:
			var s string
			json.Unmarshal(f.Payload, &s)
			fmt.Fprintln(out)
			return fmt.Errorf("server error: %s", s)
		case gateway.CodeData:
			var signals []agent.ChatCreatedSignal
			if err := json.Unmarshal(f.Payload, &signals); err == nil && verbose {
				for _, sig := range signals {
					if sig.Type == agent.SignalNewChatCreated {
						fmt.Fprintf(errOut, "[chat %s]\n", sig.ChatID)
					}
				}
			}
		case gateway.CodeToolCall:
			if verbose {
				fmt.Fprintf(errOut, "[tool call] %s\n", f.Payload)
			}
		case gateway.CodeFinish:
			fmt.Fprintln(out)
		}
	}
	return sc.Err()
}
