// Command relay-cli is a line-oriented terminal client for goat-relay.
//
//	RELAY_URL=http://localhost:8080 RELAY_USER=alice relay-cli
//
// Lines are sent to the active conversation. Commands:
//
//	/open <identity>      switch to the private conversation with identity
//	/public               switch back to the public feed
//	/show                 print the active transcript with message ids
//	/who                  print who is online and unread counts per peer
//	/users                print the registered users
//	/chats                print your private conversations
//	/edit <id> <text>     replace the text of one of your messages
//	/delete <id>          delete one of your messages
//	/react <id> <emoji>   react to a message
//	/typing, /idle        start or stop the typing indicator
//	/quit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
	"github.com/mmuslimabdulj/goat-relay/internal/logging"
	"github.com/mmuslimabdulj/goat-relay/internal/syncclient"
)

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()
	logging.Setup(getenv("LOG_LEVEL", "warn"), true)

	base := strings.TrimRight(getenv("RELAY_URL", "http://localhost:8080"), "/")
	token := getenv("RELAY_TOKEN", "")
	identity := getenv("RELAY_USER", "")
	// With a token the relay takes the identity from its subject; RELAY_USER
	// must match it so the client can tell its own messages apart.
	if identity == "" {
		log.Fatal().Msg("RELAY_USER is required")
	}

	history := &syncclient.HTTPHistory{
		BaseURL:  base,
		Token:    token,
		Identity: identity,
	}
	rec := syncclient.NewReconciler(identity, history)
	session := syncclient.NewSession(syncclient.SessionConfig{
		URL:      "ws" + strings.TrimPrefix(base, "http") + "/ws",
		Token:    token,
		Identity: identity,
	}, rec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("session ended")
			stop()
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return
			}
			if err := handle(ctx, session, history, strings.TrimSpace(line)); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		}
	}
}

func handle(ctx context.Context, s *syncclient.Session, history *syncclient.HTTPHistory, line string) error {
	rec := s.Reconciler()
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch {
	case line == "":
		return nil
	case line == "/public":
		if err := rec.Activate(ctx, domain.Public()); err != nil {
			return err
		}
		show(rec, domain.Public())
	case strings.HasPrefix(line, "/open "):
		scope := domain.Private(rec.Self(), strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
		if err := rec.Activate(ctx, scope); err != nil {
			return err
		}
		show(rec, scope)
	case line == "/show":
		show(rec, rec.Active())
	case line == "/who":
		fmt.Println("online:", strings.Join(rec.Online(), ", "))
		for _, peer := range rec.Online() {
			if n := rec.Unread(domain.Private(rec.Self(), peer)); n > 0 && peer != rec.Self() {
				fmt.Printf("  %s: %d unread\n", peer, n)
			}
		}
	case line == "/users":
		// the relay only pushes the directory when someone new registers
		users := rec.Users()
		if len(users) == 0 {
			var err error
			if users, err = history.Users(ctx); err != nil {
				return err
			}
		}
		for _, u := range users {
			fmt.Printf("  %s (%s)\n", u.Identity, u.DisplayName)
		}
	case line == "/chats":
		convs, err := history.Conversations(ctx)
		if err != nil {
			return err
		}
		for _, c := range convs {
			state := "offline"
			if c.Online {
				state = "online"
			}
			fmt.Printf("  %s [%s] %d unread\n", c.Peer, state, rec.Unread(c.Scope))
		}
	case cmd == "/edit":
		idText, text, _ := strings.Cut(rest, " ")
		id, err := parseID(idText)
		if err != nil {
			return err
		}
		return s.Edit(id, strings.TrimSpace(text))
	case cmd == "/delete":
		id, err := parseID(rest)
		if err != nil {
			return err
		}
		return s.Delete(id)
	case cmd == "/react":
		idText, reaction, _ := strings.Cut(rest, " ")
		id, err := parseID(idText)
		if err != nil {
			return err
		}
		return s.React(id, strings.TrimSpace(reaction))
	case line == "/typing":
		return s.StartTyping(rec.Active())
	case line == "/idle":
		return s.StopTyping(rec.Active())
	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %s", cmd)
	default:
		active := rec.Active()
		if active.IsPublic() {
			_, err := s.SendPublic(line)
			return err
		}
		_, err := s.SendPrivate(active.Peer(rec.Self()), line)
		return err
	}
	return nil
}

func show(rec *syncclient.Reconciler, scope domain.Scope) {
	fmt.Printf("== %s ==\n", scope)
	for _, e := range rec.Messages(scope) {
		m := e.Message
		mark := ""
		if e.Pending {
			mark = " (sending)"
		} else if m.Edited {
			mark = " (edited)"
		}
		if len(m.Reactions) > 0 {
			mark += " " + strings.Join(m.Reactions, "")
		}
		fmt.Printf("#%d [%s] %s: %s%s\n", m.ID, m.CreatedAt.Local().Format("15:04"), m.Sender, m.Text, mark)
	}
	if typers := rec.Typers(scope); len(typers) > 0 {
		fmt.Printf("%s typing...\n", strings.Join(typers, ", "))
	}
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("bad message id %q", s)
	}
	return id, nil
}
