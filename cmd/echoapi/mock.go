package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/braviap/js-sdk/internal/mockbackend"
)

var mockAddr string

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a local mock of the Echo API",
	Long: `Run a local mock of the Echo API.

HTTP endpoints live under /v1 (search, echo, error, fail, slow, badjson,
text, xml, badxml, submit) and the websocket endpoint is /v1/ws.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := mockbackend.New(mockbackend.Config{
			Addr:   mockAddr,
			Logger: zlogger.Zerolog(),
		})
		if err != nil {
			return err
		}
		defer server.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "mock Echo API listening on %s\n", server.URL)
		fmt.Fprintf(cmd.OutOrStdout(), "  try: echoapi request search --base-url //%s/v1/ --data q=hello\n", server.Host)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	mockCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:8089", "address to listen on")
}
