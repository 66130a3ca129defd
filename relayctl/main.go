package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/relayhq/realtime/hub"
	"github.com/relayhq/realtime/realtime"
)

const LocalVersion = "0.0.0-local"

const DefaultConnectUrl = "ws://localhost:7301/ws"

func main() {
	usage := fmt.Sprintf(
		`Realtime relay control.

The default connect url is %s.

Usage:
    relayctl serve [--port=<port>]
    relayctl watch --user_id=<user_id> [--user_name=<user_name>]
        [--connect_url=<connect_url>]
        [--channel=<channel>]
        [--jwt=<jwt>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    -p --port=<port>             Listen port [default: 7301].
    --connect_url=<connect_url>
    --channel=<channel>          Channel to join [default: default].
    --user_id=<user_id>
    --user_name=<user_name>
    --jwt=<jwt>                  Session token. Prompted for if omitted.`,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := hub.NewHubWithDefaults(cancelCtx)
	defer h.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", h)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-cancelCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Printf("listening on :%d\n", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		panic(err)
	}
}

func watch(opts docopt.Opts) {
	userId, _ := opts.String("--user_id")
	userName, _ := opts.String("--user_name")
	if userName == "" {
		userName = userId
	}

	var connectUrl string
	if connectUrlAny := opts["--connect_url"]; connectUrlAny != nil {
		connectUrl = connectUrlAny.(string)
	} else {
		connectUrl = DefaultConnectUrl
	}
	channel, _ := opts.String("--channel")
	connectUrl = fmt.Sprintf("%s?channel=%s", connectUrl, channel)

	byJwt := watchJwt(opts, userId, userName)

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	auth := &realtime.ClientAuth{
		ByJwt:      byJwt,
		InstanceId: realtime.NewId(),
		AppVersion: LocalVersion,
	}
	session := realtime.NewSessionWithDefaults(cancelCtx, connectUrl, auth)
	defer session.Close()

	if err := session.Connect(cancelCtx); err != nil {
		fmt.Fprintf(os.Stderr, "connect error: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("connected as %s\n", userId)

	unsubPresence := session.Presence().Subscribe(func(presences map[string]*realtime.PresenceState) {
		for _, presence := range presences {
			resource := "-"
			if presence.CurrentResource != nil {
				resource = presence.CurrentResource.String()
			}
			fmt.Printf("presence %s (%s) %s on %s\n", presence.UserId, presence.UserName, presence.Status, resource)
		}
	})
	defer unsubPresence()

	unsubEdit := session.Edits().OnEdit(func(edit *realtime.CollaborationEdit) {
		fmt.Printf("edit %s on %s: %d op(s)\n", edit.UserId, edit.Resource, len(edit.Operations))
	})
	defer unsubEdit()

	unsubMessage := session.Connection().Subscribe(realtime.MessageTypeMessage, func(message any) {
		if m, ok := message.(*realtime.InboxMessage); ok {
			fmt.Printf("message %s from %s: %s\n", m.MessageId, m.SenderId, m.Body)
		}
	})
	defer unsubMessage()

	<-cancelCtx.Done()
}

// resolves the session token: --jwt, a terminal prompt, or a locally signed
// development token as a fallback
func watchJwt(opts docopt.Opts, userId string, userName string) string {
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		return jwtAny.(string)
	}

	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("jwt (empty for a local dev token): ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err == nil && 0 < len(jwtBytes) {
			return string(jwtBytes)
		}
	}

	// dev token, identity claims only. The hub does not verify signatures.
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   userId,
		"user_name": userName,
		"client_id": realtime.NewId().String(),
	})
	byJwt, err := token.SignedString([]byte("local-dev"))
	if err != nil {
		panic(err)
	}
	return byJwt
}
