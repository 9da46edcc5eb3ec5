package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bitacora/internal/relay"
)

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "relay", Short: "Run or configure the HTTP relay"}
	cmd.AddCommand(relayServeCmd())
	cmd.AddCommand(relayTokenCmd())
	return cmd
}

func relayServeCmd() *cobra.Command {
	var addr, path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay in front of the remote store",
		Long: `Forwards POST bodies and GET ?action= queries to the URL in
SHEETS_WEBAPP_URL (or --upstream). A bare GET returns a probe of the
upstream. When BITACORA_RELAY_JWT_SECRET is set every relay request needs a
bearer token from 'bitacora relay token'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = viper.BindEnv("upstream", relay.UpstreamEnv)
			_ = viper.BindPFlag("upstream", cmd.Flags().Lookup("upstream"))
			upstream := viper.GetString("upstream")
			handler, err := relay.New(relay.Config{
				Upstream: upstream,
				Path:     path,
				Timeout:  viper.GetDuration("timeout"),
				Auth:     relay.AuthConfig{JWTSecret: viper.GetString("relay-jwt-secret")},
				Logger:   slog.Default(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			if upstream == "" {
				fmt.Printf("warning: %s is not set; POST requests will fail\n", relay.UpstreamEnv)
			}
			fmt.Printf("Serving relay on http://%s%s (health at /health, metrics at /metrics)\n", addr, path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8888", "listen address")
	cmd.Flags().StringVar(&path, "path", "/relay", "relay path")
	cmd.Flags().String("upstream", "", "remote store URL (default $"+relay.UpstreamEnv+")")
	return cmd
}

func relayTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("relay-jwt-secret")
			if secret == "" {
				return fmt.Errorf("BITACORA_RELAY_JWT_SECRET is required to sign tokens")
			}
			tok, err := relay.IssueToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			return printStatus(tok, map[string]string{"token": tok, "subject": subject})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
