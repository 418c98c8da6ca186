package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ageniuscoder/gymchat/internal/chatclient"
	"github.com/ageniuscoder/gymchat/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func clientConfig(c config.ClientConfig) chatclient.Config {
	cfg := chatclient.DefaultConfig()
	cfg.ServerURL = c.ServerURL
	cfg.AckTimeout = c.AckTimeout
	cfg.Reconnect.InitialDelay = c.ReconnectInitial
	cfg.Reconnect.MaxDelay = c.ReconnectMax
	cfg.Reconnect.MaxAttempts = c.ReconnectAttempts
	return cfg
}

type loginFlags struct {
	user, password, token, userID string
}

func (f *loginFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "username to log in as")
	cmd.Flags().StringVarP(&f.password, "password", "p", os.Getenv("GYMCHAT_PASSWORD"), "password (default $GYMCHAT_PASSWORD)")
	cmd.Flags().StringVar(&f.token, "token", "", "existing JWT, used with --user-id instead of logging in")
	cmd.Flags().StringVar(&f.userID, "user-id", "", "user id the token belongs to")
}

func (f *loginFlags) identity(cfg chatclient.Config) (chatclient.IdentityProvider, error) {
	if f.token != "" {
		return chatclient.StaticIdentity{Identity: chatclient.Identity(f.userID), Token: f.token}, nil
	}
	if f.user == "" || f.password == "" {
		return nil, errors.New("either --user and --password or --token and --user-id are required")
	}
	return chatclient.PasswordLogin{REST: chatclient.NewRESTClient(cfg), Username: f.user, Password: f.password}, nil
}

// newClient builds a client without connecting, so callers can subscribe
// before the first event arrives.
func (a *app) newClient(cmd *cobra.Command, lf *loginFlags) (*chatclient.Client, error) {
	cfg := clientConfig(a.cfg.Client)
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		cfg.ServerURL = server
	}
	id, err := lf.identity(cfg)
	if err != nil {
		return nil, err
	}
	opts := append([]chatclient.Option{chatclient.WithLogger(a.logger)}, a.clientOpts...)
	return chatclient.New(cfg, id, opts...)
}

// printEvents writes every client event to out as one line.
func printEvents(ev *chatclient.EventHub, out io.Writer) {
	ev.SubscribeMessage(func(m chatclient.Message) {
		line := m.Content
		if m.ImageURL != "" {
			line += " [image " + m.ImageURL + "]"
		}
		fmt.Fprintf(out, "%s  %s -> %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), m.FromUserID, m.ToUserID, line)
	})
	ev.SubscribePresence(func(p chatclient.PresenceSet) {
		fmt.Fprintf(out, "online: %v\n", p.List())
	})
	ev.SubscribeState(func(s chatclient.StateEvent) {
		fmt.Fprintf(out, "state: %s -> %s\n", s.OldState, s.NewState)
	})
	ev.SubscribeError(func(err error) {
		fmt.Fprintf(out, "error: %v\n", err)
	})
}

func (a *app) chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a running server as a chat client",
	}
	cmd.PersistentFlags().String("server", "", "server URL, overrides CHAT_SERVER_URL")
	cmd.AddCommand(a.listenCmd(), a.sendCmd())
	return cmd
}

func (a *app) listenCmd() *cobra.Command {
	var lf loginFlags
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print incoming messages, presence and connection changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient(cmd, &lf)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			printEvents(c.Events(), out)
			if err := c.Start(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(out, "listening as %s, ctrl-c to quit\n", c.Self())
			<-cmd.Context().Done()
			return nil
		},
	}
	lf.bind(cmd)
	return cmd
}

func (a *app) sendCmd() *cobra.Command {
	var (
		lf    loginFlags
		to    string
		text  string
		image string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return errors.New("--to is required")
			}
			c, err := a.newClient(cmd, &lf)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Start(cmd.Context()); err != nil {
				return err
			}

			peer := chatclient.Identity(to)
			var msg chatclient.Message
			if image != "" {
				f, err := os.Open(image)
				if err != nil {
					return err
				}
				defer f.Close()
				msg, err = c.SendImage(cmd.Context(), peer, text, filepath.Base(image), f)
				if err != nil {
					return err
				}
			} else {
				msg, err = c.Send(cmd.Context(), peer, text)
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s at %s\n", msg.ID, msg.Timestamp.Local().Format(time.RFC3339))
			return nil
		},
	}
	lf.bind(cmd)
	cmd.Flags().StringVar(&to, "to", "", "recipient user id")
	cmd.Flags().StringVarP(&text, "message", "m", "", "message text")
	cmd.Flags().StringVar(&image, "image", "", "path of an image to attach")
	return cmd
}
