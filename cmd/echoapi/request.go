package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	api "github.com/braviap/js-sdk"
)

type requestFlags struct {
	ConfigPath string
	BaseURL    string
	Transport  string
	Method     string
	DataType   string
	Secure     bool
	NoCache    bool
	Timeout    time.Duration
	Listen     time.Duration
	Data       []string
	Headers    []string
	Raw        string
}

var reqFlags requestFlags

var requestCmd = &cobra.Command{
	Use:   "request <endpoint>",
	Short: "Send one request and print its callbacks",
	Long: `Send one request to an Echo API endpoint and print every callback.

Lines are prefixed with "+" for open, "<" for data, "!" for errors and "x"
for close. The command returns once the request settles, or after --listen
for transports that stay connected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildRequestConfig(cmd, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		cfg.Handlers = printHandlers(out)

		r := api.NewRequest(cfg)
		if !r.Usable() {
			return fmt.Errorf("%w: endpoint is required", api.ErrInvalidConfig)
		}
		fmt.Fprintf(out, "using %s transport for %s (secure: %v)\n", r.TransportName(), r.URI(), r.Secure())

		payload, err := requestPayload()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		wait := reqFlags.Listen
		if wait <= 0 {
			wait = cfg.Timeout + time.Second
			if cfg.Timeout < 0 {
				wait = time.Minute
			}
		}
		ctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()

		_, err = r.Request(payload).Wait(ctx)
		r.Abort()

		var apiErr *api.Error
		switch {
		case errors.As(err, &apiErr):
			return apiErr
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil
		}
		return err
	},
}

func init() {
	f := requestCmd.Flags()
	f.StringVar(&reqFlags.ConfigPath, "config", "", "YAML request config, flags override its values")
	f.StringVar(&reqFlags.BaseURL, "base-url", "", "API base URL (default //api.echoenabled.com/v1/)")
	f.StringVar(&reqFlags.Transport, "transport", "", "preferred transport: websockets|ajax|xdomainrequest|jsonp")
	f.StringVar(&reqFlags.Method, "method", "", "GET or POST")
	f.StringVar(&reqFlags.DataType, "data-type", "", "response type: json|text|html|xml|jsonp")
	f.BoolVar(&reqFlags.Secure, "secure", false, "use https/wss")
	f.BoolVar(&reqFlags.NoCache, "no-cache", false, "add a cache busting parameter")
	f.DurationVar(&reqFlags.Timeout, "timeout", 0, "request timeout, negative disables it (default 30s)")
	f.DurationVar(&reqFlags.Listen, "listen", 0, "keep listening this long instead of waiting for the request to settle")
	f.StringArrayVar(&reqFlags.Data, "data", nil, "request parameter as key=value, repeatable")
	f.StringArrayVar(&reqFlags.Headers, "header", nil, "HTTP header as Name: value, repeatable")
	f.StringVar(&reqFlags.Raw, "raw", "", "send this string as it is instead of --data")
}

func buildRequestConfig(cmd *cobra.Command, endpoint string) (api.RequestConfig, error) {
	var cfg api.RequestConfig
	if reqFlags.ConfigPath != "" {
		loaded, err := api.LoadRequestConfig(reqFlags.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfg.Endpoint = endpoint

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.APIBaseURL = reqFlags.BaseURL
	}
	if flags.Changed("transport") {
		cfg.Transport = reqFlags.Transport
	}
	if flags.Changed("method") {
		cfg.Method = reqFlags.Method
	}
	if flags.Changed("data-type") {
		cfg.Settings.DataType = reqFlags.DataType
	}
	if flags.Changed("secure") {
		cfg.Secure = reqFlags.Secure
	}
	if flags.Changed("no-cache") {
		cfg.Settings.NoCache = reqFlags.NoCache
	}
	if flags.Changed("timeout") {
		cfg.Timeout = reqFlags.Timeout
	}
	for _, h := range reqFlags.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return cfg, fmt.Errorf("invalid header %q, expected Name: value", h)
		}
		if cfg.Settings.Headers == nil {
			cfg.Settings.Headers = http.Header{}
		}
		cfg.Settings.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	env := api.DefaultEnvironment()
	env.Logger = logger
	cfg.Environment = env
	return cfg, nil
}

func requestPayload() (any, error) {
	if reqFlags.Raw != "" {
		return reqFlags.Raw, nil
	}
	data := api.Data{}
	for _, kv := range reqFlags.Data {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", kv)
		}
		data[k] = v
	}
	return data, nil
}

func printHandlers(out io.Writer) api.Handlers {
	return api.Handlers{
		OnOpen: func() {
			fmt.Fprintln(out, "+ open")
		},
		OnData: func(data any) {
			b, err := json.Marshal(data)
			if err != nil {
				fmt.Fprintf(out, "< %v\n", data)
				return
			}
			fmt.Fprintf(out, "< %s\n", b)
		},
		OnError: func(err *api.Error, info api.ErrorInfo) {
			fmt.Fprintf(out, "! %v (critical: %v)\n", err, info.Critical)
		},
		OnClose: func() {
			fmt.Fprintln(out, "x closed")
		},
	}
}
