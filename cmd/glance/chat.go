package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neboloop/glance/internal/agent/runner"
	"github.com/neboloop/glance/internal/agent/sandbox"
	"github.com/neboloop/glance/internal/agent/session"
	"github.com/neboloop/glance/internal/events"
)

// ChatCmd creates the chat command
func ChatCmd() *cobra.Command {
	var (
		skillName string
		skillArgs string
		images    []string
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent",
		Long: `Send one message, or start an interactive session when no message is given.

Examples:
  glance chat "what was I doing ten minutes ago?"
  glance chat --skill weekly-report --args "last week"
  glance chat --image ~/Desktop/error.png "what does this error mean?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			app, err := newAgentApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			attachments, err := loadImages(images)
			if err != nil {
				return err
			}

			c := &chatSession{runner: app.runner, configPath: cfg.Path(), out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
			message := strings.Join(args, " ")
			if message != "" || skillName != "" || len(attachments) > 0 {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
				defer stop()
				return c.send(ctx, runner.TurnRequest{
					UserMessage: message,
					Attachments: attachments,
					SkillName:   skillName,
					SkillArgs:   skillArgs,
				})
			}
			return c.interactive(ctx, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&skillName, "skill", "", "start the turn inside this skill")
	cmd.Flags().StringVar(&skillArgs, "args", "", "arguments for --skill")
	cmd.Flags().StringSliceVar(&images, "image", nil, "attach an image file (repeatable)")
	return cmd
}

type chatSession struct {
	runner     *runner.Runner
	configPath string
	history    []session.Message
	out        io.Writer
	errOut     io.Writer
}

func (c *chatSession) send(ctx context.Context, req runner.TurnRequest) error {
	req.History = c.history
	req.Sink = events.Func(func(stage, message, detail string) {
		switch stage {
		case events.StageToolCall, events.StageRetry, events.StageCompress, events.StageProgress:
			fmt.Fprintf(c.errOut, "\033[90m· %s\033[0m\n", message)
		}
	})

	res, err := c.runner.RunTurn(ctx, req)
	if err != nil {
		if errors.Is(err, sandbox.ErrPolicyUnconfigured) {
			return fmt.Errorf("%w\nSet policy.mode in %s to whitelist or allow_all", err, c.configPath)
		}
		return err
	}
	c.history = append(c.history, res.Transcript...)

	switch res.Outcome {
	case runner.OutcomeCancelled:
		fmt.Fprintln(c.errOut, "\033[33m(cancelled)\033[0m")
	default:
		fmt.Fprintln(c.out, res.Text)
	}
	return nil
}

// interactive reads one message per line until EOF or "exit". Ctrl+C
// cancels the running turn; at the prompt it quits.
func (c *chatSession) interactive(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(c.errOut, "Glance chat. Type 'exit' to quit.")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(c.errOut, "\033[36m> \033[0m")
		if !scanner.Scan() {
			fmt.Fprintln(c.errOut)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit", "/exit":
			return nil
		case "/reset":
			c.history = nil
			fmt.Fprintln(c.errOut, "History cleared.")
			continue
		}

		turnCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
		err := c.send(turnCtx, runner.TurnRequest{UserMessage: line})
		cancel()
		if err != nil {
			fmt.Fprintf(c.errOut, "\033[31mError: %v\033[0m\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func loadImages(paths []string) ([]session.Part, error) {
	var parts []session.Part
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
		if mediaType == "" {
			mediaType = http.DetectContentType(data)
		}
		if !strings.HasPrefix(mediaType, "image/") {
			return nil, fmt.Errorf("%s is not an image (%s)", p, mediaType)
		}
		parts = append(parts, session.Part{Type: session.PartImage, ImageData: data, MediaType: mediaType})
	}
	return parts, nil
}
