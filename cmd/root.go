package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/plexstash/plexstash/pkg/downloads"
	"github.com/plexstash/plexstash/pkg/log"
	"github.com/plexstash/plexstash/pkg/plexapi"
	"github.com/plexstash/plexstash/store"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "plexstash",
	Short: "Download media from a Plex-style server for offline playback",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			log.SetDebug()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.plexstash.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("server", "", "media server base URL")
	rootCmd.PersistentFlags().String("token", "", "server auth token")
	rootCmd.PersistentFlags().String("client-id", "plexstash-cli", "client identifier sent to the server")
	rootCmd.PersistentFlags().String("downloads-dir", "", "downloads directory")
	_ = viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("server.token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("server.client_id", rootCmd.PersistentFlags().Lookup("client-id"))
	_ = viper.BindPFlag("downloads.dir", rootCmd.PersistentFlags().Lookup("downloads-dir"))

	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(lsCmd())
	rootCmd.AddCommand(rmCmd())
	rootCmd.AddCommand(dismissCmd())
	rootCmd.AddCommand(storageCmd())
	rootCmd.AddCommand(playCmd())
	rootCmd.AddCommand(relayCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".plexstash")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("PLEXSTASH")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func newClient() (*plexapi.Client, error) {
	return plexapi.NewClient(plexapi.ClientOpts{
		BaseURL:          viper.GetString("server.url"),
		Token:            viper.GetString("server.token"),
		ClientIdentifier: viper.GetString("server.client_id"),
	})
}

func newManager() (*downloads.Manager, error) {
	layout, err := store.NewLayout(viper.GetString("downloads.dir"))
	if err != nil {
		return nil, err
	}
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	return downloads.NewManager(downloads.Opts{
		Layout:  layout,
		Library: client,
		Client:  client.HTTPClient(),
	})
}
