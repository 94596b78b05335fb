package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/plexstash/plexstash/pkg/relay"
)

func relayCmd() *cobra.Command {
	var streamURL string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the loopback proxy for HLS playback from the server",
		Long: "Starts a loopback HTTP proxy that forwards requests to the " +
			"configured server with auth headers and certificate trust applied, " +
			"rewriting playlists so segment requests route back through it. " +
			"Point a local player at the printed address.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			srv := relay.NewServer(client.HTTPClient())
			if err := srv.Start(viper.GetString("server.url")); err != nil {
				return err
			}
			defer srv.Stop()

			fmt.Printf("relay listening on http://127.0.0.1:%d\n", srv.Port())
			if streamURL != "" {
				proxied, err := srv.ProxyURL(streamURL)
				if err != nil {
					return err
				}
				fmt.Printf("proxied stream: %s\n", proxied)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
	cmd.Flags().StringVar(&streamURL, "url", "", "remote stream URL to print a proxied address for")
	return cmd
}
