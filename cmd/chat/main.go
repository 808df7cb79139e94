package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"kitty-chat/internal/config"
	"kitty-chat/internal/domain"
	"kitty-chat/internal/integrations/chatapi"
	"kitty-chat/internal/session"
)

const banner = `
 /\_/\   Hello Kitty Chat
( o.o )  type a message, or /help
 > ^ <
`

const requestTimeout = 90 * time.Second

type repl struct {
	api     *chatapi.Client
	history *session.History
	sess    *session.Session
	out     io.Writer

	pink   *color.Color
	cyan   *color.Color
	yellow *color.Color
	dim    *color.Color
}

func main() {
	// Keep library logs out of the conversation.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("CHAT_DEBUG") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	cfg := config.Load()
	api, err := chatapi.New(cfg.ChatAPIURL)
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	history, err := session.NewHistory(api, logger)
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	sess, err := session.New(api, history, session.WithLogger(logger))
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	sess.CreateNewChat()

	r := &repl{
		api:     api,
		history: history,
		sess:    sess,
		out:     color.Output,
		pink:    color.New(color.FgMagenta, color.Bold),
		cyan:    color.New(color.FgCyan),
		yellow:  color.New(color.FgYellow),
		dim:     color.New(color.Faint),
	}
	r.pink.Fprint(r.out, banner)
	r.run(os.Stdin)
}

func (r *repl) run(in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		r.cyan.Fprint(r.out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(line); quit {
				return
			}
			continue
		}
		r.send(func(ctx context.Context) error { return r.sess.Send(ctx, line) })
	}
}

func (r *repl) send(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	started := time.Now()
	err := fn(ctx)
	switch {
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrNothingToRedo):
		r.yellow.Fprintln(r.out, "nothing to send")
		return
	case err != nil:
		color.Red("%s\n", failureText(r.sess.Err(), err))
		return
	}

	msgs := r.sess.Messages()
	reply := msgs[len(msgs)-1].Content
	r.pink.Fprint(r.out, "kitty> ")
	fmt.Fprintln(r.out, reply)
	r.dim.Fprintf(r.out, "(%s, %s)\n", r.sess.Model(), time.Since(started).Round(time.Millisecond))
}

// failureText prefers the session's recoverable error text. Guard and stale
// errors leave it empty.
func failureText(sessionErr string, err error) string {
	if sessionErr != "" {
		return sessionErr
	}
	return err.Error()
}

func (r *repl) command(line string) bool {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		r.help()
	case "/new":
		r.sess.CreateNewChat()
		r.yellow.Fprintln(r.out, "started a new chat")
	case "/history":
		r.listHistory()
	case "/open":
		r.open(arg)
	case "/delete":
		r.delete(arg)
	case "/model":
		r.model(arg)
	case "/regen":
		r.send(r.sess.Regenerate)
	default:
		color.Red("unknown command %s\n", fields[0])
	}
	return false
}

func (r *repl) help() {
	for _, l := range []string{
		"/new            start a new chat",
		"/history        list recent conversations",
		"/open <n>       continue conversation n",
		"/delete <n>     delete conversation n",
		"/model [id]     list models or switch to id",
		"/regen          resend the last message",
		"/quit           leave",
	} {
		r.dim.Fprintln(r.out, l)
	}
}

func (r *repl) listHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := r.history.Refresh(ctx); err != nil {
		color.Red("could not load history: %v\n", err)
		return
	}
	convs := r.history.Conversations()
	if len(convs) == 0 {
		r.yellow.Fprintln(r.out, "no conversations yet")
		return
	}
	active := r.sess.ConversationID()
	for i, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		r.cyan.Fprintf(r.out, "%s%2d. %s", marker, i+1, c.Title)
		r.dim.Fprintf(r.out, "  %s  %s\n", c.Timestamp.Local().Format("Jan 2 15:04"), c.Preview)
	}
	if r.history.HasMore() {
		r.dim.Fprintln(r.out, "  (older conversations not shown)")
	}
}

func (r *repl) pick(arg string) (domain.Conversation, bool) {
	n, err := strconv.Atoi(arg)
	convs := r.history.Conversations()
	if err != nil || n < 1 || n > len(convs) {
		color.Red("pick a number from /history\n")
		return domain.Conversation{}, false
	}
	return convs[n-1], true
}

func (r *repl) open(arg string) {
	conv, ok := r.pick(arg)
	if !ok {
		return
	}
	var transcript []domain.ChatMessage
	for _, m := range conv.Messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		transcript = append(transcript, m)
	}
	r.sess.LoadChat(transcript, conv.ID)
	for _, m := range transcript {
		if m.Role == domain.RoleUser {
			r.cyan.Fprint(r.out, "you> ")
		} else {
			r.pink.Fprint(r.out, "kitty> ")
		}
		fmt.Fprintln(r.out, m.Content)
	}
}

func (r *repl) delete(arg string) {
	conv, ok := r.pick(arg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := r.sess.DeleteChat(ctx, r.history, conv.ID); err != nil {
		color.Red("could not delete: %v\n", err)
		return
	}
	r.yellow.Fprintf(r.out, "deleted %q\n", conv.Title)
}

func (r *repl) model(arg string) {
	if arg != "" {
		r.sess.SetModel(arg)
		r.yellow.Fprintf(r.out, "model set to %s\n", r.sess.Model())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	models, def, err := r.api.Models(ctx)
	if err != nil {
		color.Red("could not load models: %v\n", err)
		return
	}
	current := r.sess.Model()
	for _, m := range models {
		marker := " "
		if m.ID == current {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-14s %s", marker, m.ID, m.Description)
		if m.ID == def {
			line += " (default)"
		}
		r.cyan.Fprintln(r.out, line)
	}
}
