package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/zulandar/customgpt/internal/models"
	"github.com/zulandar/customgpt/internal/session"
	"github.com/zulandar/customgpt/internal/target"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	var (
		configPath string
		targetPath string
		serverURL  string
		chatID     string
		skipTest   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat with a target endpoint",
		Long: `Opens a chat console against the target described in --target. The target
must first answer a test request with a success status (see --skip-test). Every
turn is sent through the server's proxy and stored as a chat.

Commands:
  /new            start a new chat
  /load <id>      load a stored chat
  /rename <name>  rename the current chat
  /history        print the transcript
  /quit           leave the console`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, targetPath, serverURL, chatID, skipTest)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to customgpt config file")
	cmd.Flags().StringVarP(&targetPath, "target", "t", "", "path to target YAML file (required)")
	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (overrides client.server_url)")
	cmd.Flags().StringVar(&chatID, "chat", "", "stored chat to resume")
	cmd.Flags().BoolVar(&skipTest, "skip-test", false, "use the target without sending a test request first")
	cmd.MarkFlagRequired("target")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, targetPath, serverURL, chatID string, skipTest bool) error {
	_, cl, err := clientFromConfig(configPath, serverURL)
	if err != nil {
		return err
	}
	tgt, err := target.Load(targetPath)
	if err != nil {
		return err
	}

	ctrl, err := session.New(session.Options{Backend: cl, SkipTargetTest: skipTest})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if !skipTest {
		res, err := ctrl.TestTarget(ctx, *tgt, "")
		if err != nil {
			return fmt.Errorf("test %q: %w", tgt.Name, err)
		}
		if !res.Envelope.OK {
			return fmt.Errorf("test %q: upstream returned %d %s (use --skip-test to chat anyway): %w",
				tgt.Name, res.Envelope.Status, res.Envelope.StatusText, session.ErrNotTested)
		}
	}
	if err := ctrl.SaveTarget(*tgt); err != nil {
		return err
	}

	r := newREPL(ctrl, cmd.InOrStdin(), cmd.OutOrStdout())
	fmt.Fprintf(r.out, "Chatting with %s (%s %s) via %s\n", tgt.Name, tgt.Method, tgt.URL, cl.BaseURL())
	if chatID != "" {
		if err := ctrl.LoadChat(ctx, chatID); err != nil {
			return err
		}
		r.printHistory()
	}
	return r.run(ctx)
}

// repl drives a session.Controller from line-oriented input.
type repl struct {
	ctrl        *session.Controller
	in          io.Reader
	out         io.Writer
	interactive bool

	mu    sync.Mutex
	shown int

	userLabel  func(a ...interface{}) string
	botLabel   func(a ...interface{}) string
	errorLabel func(a ...interface{}) string
	dim        func(a ...interface{}) string
}

func newREPL(ctrl *session.Controller, in io.Reader, out io.Writer) *repl {
	r := &repl{
		ctrl:       ctrl,
		in:         in,
		out:        out,
		userLabel:  color.New(color.FgGreen, color.Bold).SprintFunc(),
		botLabel:   color.New(color.FgCyan, color.Bold).SprintFunc(),
		errorLabel: color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:        color.New(color.Faint).SprintFunc(),
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.interactive = true
	}
	return r
}

// run reads prompts and commands until EOF or /quit.
func (r *repl) run(ctx context.Context) error {
	r.mu.Lock()
	r.shown = len(r.ctrl.Snapshot().Entries)
	r.mu.Unlock()
	unsubscribe := r.ctrl.Subscribe(r.render)
	defer unsubscribe()

	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for {
		if r.interactive {
			fmt.Fprint(r.out, r.userLabel("> "))
		}
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "%s %v\n", r.errorLabel("error:"), err)
			}
			if quit {
				return nil
			}
			continue
		}

		reqCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		_, err := r.ctrl.Submit(reqCtx, line)
		stop()
		if err != nil {
			fmt.Fprintf(r.out, "%s %v\n", r.errorLabel("error:"), err)
		}
	}
	return sc.Err()
}

// command handles a slash command. It reports whether the console should exit.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		if err := r.ctrl.NewChat(); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, r.dim("Started a new chat."))
	case "/load":
		if arg == "" {
			return false, errors.New("usage: /load <chat id>")
		}
		if err := r.ctrl.LoadChat(ctx, arg); err != nil {
			return false, err
		}
		r.printHistory()
	case "/rename":
		if arg == "" {
			return false, errors.New("usage: /rename <name>")
		}
		if err := r.ctrl.Rename(ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "%s\n", r.dim(fmt.Sprintf("Renamed chat to %q.", arg)))
	case "/history":
		r.printHistory()
	case "/help":
		fmt.Fprintln(r.out, "/new  /load <id>  /rename <name>  /history  /quit")
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// render prints entries appended by an in-flight submission. Transcripts
// replaced by /new or /load are printed by the command instead.
func (r *repl) render(snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !snap.Pending || len(snap.Entries) < r.shown {
		r.shown = len(snap.Entries)
		return
	}
	for _, e := range snap.Entries[r.shown:] {
		// The terminal already shows what the user typed.
		if e.Role == models.RoleUser && r.interactive {
			continue
		}
		r.printEntry(e)
	}
	r.shown = len(snap.Entries)
}

func (r *repl) printHistory() {
	snap := r.ctrl.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()

	title := snap.ChatName
	if title == "" {
		title = models.DefaultChatName
	}
	header := fmt.Sprintf("--- %s", title)
	if snap.ChatID != "" {
		header += fmt.Sprintf(" (%s)", snap.ChatID)
	}
	fmt.Fprintln(r.out, r.dim(header+" ---"))
	for _, e := range snap.Entries {
		r.printEntry(e)
	}
	r.shown = len(snap.Entries)
}

func (r *repl) printEntry(e session.Entry) {
	var label string
	switch {
	case e.Role == models.RoleUser:
		label = r.userLabel("you:")
	case e.Status != models.StatusSuccess:
		label = r.errorLabel(e.Role + " (" + e.Status + "):")
	default:
		label = r.botLabel(e.Role + ":")
	}
	fmt.Fprintf(r.out, "%s %s\n", label, e.Content)
}
