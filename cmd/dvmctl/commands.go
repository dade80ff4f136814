package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/config"
	"github.com/OpenAgentsInc/commander-sub021/pkg/dvm"
	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/identity"
	"github.com/OpenAgentsInc/commander-sub021/pkg/keyenc"
	"github.com/OpenAgentsInc/commander-sub021/pkg/ledger"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport/ws"
)

const (
	flagConfig     = "config"
	flagSecretKey  = "sk"
	flagOut        = "out"
	flagKind       = "kind"
	flagInput      = "input"
	flagInputType  = "input-type"
	flagParam      = "param"
	flagOutput     = "output"
	flagBid        = "bid"
	flagEncryptFor = "encrypt-for"
	flagReplyTo    = "reply-to"
	flagRelays     = "relays"
	flagTimeout    = "timeout"
)

// CmdKeygen returns a command that generates a signing key.
func CmdKeygen() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new ed25519 key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := identity.GenerateKey()
			if err != nil {
				return err
			}
			pub, err := identity.PublicKey(sk)
			if err != nil {
				return err
			}
			nsec, _ := keyenc.EncodeSecretKey(sk)
			npub, _ := keyenc.EncodePublicKey(pub)
			if out, _ := cmd.Flags().GetString(flagOut); out != "" {
				if err := os.WriteFile(out, []byte(sk+"\n"), 0o600); err != nil {
					return fmt.Errorf("write key: %w", err)
				}
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"secret_key": sk,
				"public_key": pub,
				"nsec":       nsec,
				"npub":       npub,
			})
		},
	}
	cmd.Flags().String(flagOut, "", "also write the hex secret key to this file")
	return cmd
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagSecretKey, "", "hex or nsec secret key (default: configured identity)")
	cmd.Flags().Int(flagKind, 0, "request kind, 5000-5999 (default: jobs.default_kind)")
	cmd.Flags().StringArray(flagInput, nil, "job input, repeatable")
	cmd.Flags().String(flagInputType, "text", "type of every --input: text, url, event or job")
	cmd.Flags().StringArray(flagParam, nil, "param as name=value[,value...], repeatable")
	cmd.Flags().String(flagOutput, "", "expected output mime type")
	cmd.Flags().Int64(flagBid, 0, "bid in millisats")
	cmd.Flags().String(flagEncryptFor, "", "provider key to encrypt the request to")
	cmd.Flags().String(flagReplyTo, "", "provider key to target without encryption")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(flagConfig)
	return config.Load(path)
}

func secretKey(cmd *cobra.Command, cfg *config.Config) (string, error) {
	if s, _ := cmd.Flags().GetString(flagSecretKey); s != "" {
		return keyenc.NormalizeSecretKey(s)
	}
	return identity.LoadOrGenerate(cfg.Identity)
}

func parseParams(raw []string) ([]dvm.Param, error) {
	out := make([]dvm.Param, 0, len(raw))
	for _, p := range raw {
		name, vals, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("param %q: want name=value", p)
		}
		out = append(out, dvm.Param{Name: name, Values: strings.Split(vals, ",")})
	}
	return out, nil
}

func jobParams(cmd *cobra.Command, cfg *config.Config) (dvm.JobParams, error) {
	f := cmd.Flags()
	inputs, _ := f.GetStringArray(flagInput)
	if len(inputs) == 0 {
		return dvm.JobParams{}, fmt.Errorf("at least one --%s is required", flagInput)
	}
	typ, _ := f.GetString(flagInputType)
	rawParams, _ := f.GetStringArray(flagParam)
	params, err := parseParams(rawParams)
	if err != nil {
		return dvm.JobParams{}, err
	}
	p := dvm.JobParams{Params: params}
	for _, in := range inputs {
		p.Inputs = append(p.Inputs, dvm.Input{Data: in, Type: typ})
	}
	p.Kind, _ = f.GetInt(flagKind)
	if p.Kind == 0 {
		p.Kind = cfg.Jobs.DefaultKind
	}
	p.OutputMime, _ = f.GetString(flagOutput)
	if p.OutputMime == "" {
		p.OutputMime = cfg.Jobs.OutputMime
	}
	p.BidMsats, _ = f.GetInt64(flagBid)
	p.EncryptFor, _ = f.GetString(flagEncryptFor)
	p.ReplyTo, _ = f.GetString(flagReplyTo)
	if p.EncryptFor == "" && p.ReplyTo == "" {
		p.ReplyTo = cfg.Jobs.Provider
	}
	return p, nil
}

// CmdEncode returns a command that prints a signed request without sending it.
func CmdEncode() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Build and sign a job request and print it",
		Long: `Build and sign a job request and print the event JSON.

Example:
  $ dvmctl encode --input "translate to french: hello" --param model=small --bid 1000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sk, err := secretKey(cmd, cfg)
			if err != nil {
				return err
			}
			p, err := jobParams(cmd, cfg)
			if err != nil {
				return err
			}
			out, err := dvm.NewCodec(nil, nil, nil).EncodeRequest(dvm.RequestParams{
				SecretKey:  sk,
				Kind:       p.Kind,
				Inputs:     p.Inputs,
				Params:     p.Params,
				OutputMime: p.OutputMime,
				BidMsats:   p.BidMsats,
				EncryptFor: p.EncryptFor,
				ReplyTo:    p.ReplyTo,
				Relays:     cfg.ReadURLs(),
			})
			if err != nil {
				return err
			}
			for _, w := range out.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			return printJSON(cmd.OutOrStdout(), out.Event)
		},
	}
	addRequestFlags(cmd)
	return cmd
}

// CmdDispatch returns a command that sends a job and follows it to the end.
func CmdDispatch() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send a job request and wait for its result",
		Long: `Send a job request to the configured relays and print status updates
until the job completes, fails or the timeout cancels it.

Example:
  $ dvmctl dispatch --relays wss://relay.one,wss://relay.two --input "what is a relay?"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if r, _ := cmd.Flags().GetString(flagRelays); r != "" {
				cfg.Relays = config.ParseRelayList(r)
			}
			// stdout carries the job output
			cfg.Log.Outputs = []string{"stderr"}
			logger, _, err := observability.SetupLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			sk, err := secretKey(cmd, cfg)
			if err != nil {
				return err
			}
			p, err := jobParams(cmd, cfg)
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration(flagTimeout)

			initial, maxDelay, jitter := cfg.Net.Backoff()
			pool := transport.NewPool(transport.PoolOptions{PublishTimeout: cfg.Net.PublishTimeout(), Logger: logger})
			defer func() { _ = pool.Close() }()
			dial := ws.NewDialer(ws.Options{Backoff: transport.Backoff{Initial: initial, Max: maxDelay, Jitter: jitter}, Logger: logger})
			pool.RegisterDialer("ws", dial)
			pool.RegisterDialer("wss", dial)

			client, err := dvm.NewClient(dvm.Options{
				SecretKey:   sk,
				WriteRelays: cfg.WriteURLs(),
				ReadRelays:  cfg.ReadURLs(),
				Pool:        pool,
				Jobs:        cfg.Jobs,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			w := cmd.OutOrStdout()
			e, err := client.RunJob(ctx, p, dvm.Handlers{
				OnStatus: func(s dvm.StatusUpdate) {
					fmt.Fprintf(w, "status %s %s\n", s.Status, s.Info)
				},
				OnResult: func(r dvm.Result) {
					fmt.Fprintf(w, "result from %s:\n%s\n", r.Provider, r.Payload)
				},
				OnConnectivity: func(c dvm.Connectivity) {
					if c.Lost {
						zap.L().Warn("lost every relay, waiting for reconnect")
					}
				},
			})
			if e.RequestID != "" {
				_ = printJSON(w, e)
			}
			if err != nil {
				return err
			}
			if e.State != ledger.StateCompleted {
				return fmt.Errorf("job %s ended %s: %s", e.RequestID, e.State, e.ErrorDetail)
			}
			return nil
		},
	}
	addRequestFlags(cmd)
	cmd.Flags().String(flagRelays, "", "comma separated relay URLs, overrides config")
	cmd.Flags().Duration(flagTimeout, 2*time.Minute, "give up and cancel after this long")
	return cmd
}

// CmdDecode returns a command that classifies an event read from a file,
// the argument or stdin.
func CmdDecode() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode [event-json | -]",
		Short: "Classify a job event and decrypt it when a key is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw = []byte(args[0])
			}
			if err != nil {
				return err
			}
			var ev event.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				return fmt.Errorf("parse event: %w", err)
			}
			if err := (identity.Signer{}).Verify(&ev); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
			}

			codec := dvm.NewCodec(nil, nil, nil)
			sk, _ := cmd.Flags().GetString(flagSecretKey)
			if sk != "" {
				if sk, err = keyenc.NormalizeSecretKey(sk); err != nil {
					return err
				}
			}
			if event.IsJobRequest(ev.Kind) && sk != "" {
				req, err := codec.OpenRequest(sk, &ev)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), req)
			}
			if sk != "" && ev.Tags.Has("encrypted") {
				plain, derr := codec.DecodeReply(sk, ev.PubKey, &ev)
				if derr != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning:", derr)
				}
				ev.Content = plain.Content
			}
			m, err := dvm.Classify(&ev)
			if err != nil {
				return err
			}
			switch m.Class {
			case dvm.ClassRequest:
				return printJSON(cmd.OutOrStdout(), m.Request)
			case dvm.ClassStatus:
				return printJSON(cmd.OutOrStdout(), m.Status)
			default:
				return printJSON(cmd.OutOrStdout(), m.Result)
			}
		},
	}
	cmd.Flags().String(flagSecretKey, "", "hex or nsec key to decrypt with")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
