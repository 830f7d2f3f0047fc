package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"visitorid/internal/fieldstore"
	"visitorid/internal/idsync"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/eventloop"
	"visitorid/internal/platform/logger"
	"visitorid/internal/resolver"
	"visitorid/internal/transport"
	"visitorid/internal/visitor"
)

type resolveResult struct {
	OrgID        string   `json:"org_id"`
	MID          string   `json:"mid"`
	AID          string   `json:"aid,omitempty"`
	LocationHint string   `json:"location_hint,omitempty"`
	Blob         string   `json:"blob,omitempty"`
	OptOut       string   `json:"opt_out,omitempty"`
	Persisted    string   `json:"persisted"`
	Syncs        []string `json:"syncs,omitempty"`
}

func newResolveCmd(v *viper.Viper) *cobra.Command {
	var blob string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve one visitor against the identity backends and print its IDs",
		Long: "resolve runs a single visitor to completion. Pass the persisted blob of a " +
			"previous run with --blob to resolve a returning visitor.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			return resolve(cmd.Context(), cfg, blob, cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().StringVar(&blob, "blob", "", "persisted visitor blob to start from")
	cmd.Flags().String("page-url", "", "page URL carrying a cross-domain handoff")
	_ = v.BindPFlag("visitor.page_url", cmd.Flags().Lookup("page-url"))
	return cmd
}

func resolve(ctx context.Context, cfg config.Config, blob string, out io.Writer, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Server.ResolveTimeout)
	defer cancel()

	loop := eventloop.New(eventloop.WithLogger(log))
	go func() { _ = loop.Run(ctx) }()
	defer loop.Close()

	client := &http.Client{Timeout: cfg.Visitor.LoadTimeout}
	topts := []transport.Option{
		transport.WithHTTPClient(client),
		transport.WithTimeout(cfg.Visitor.LoadTimeout),
		transport.WithLogger(log),
	}
	dispatcher := transport.NewDispatcher(
		transport.NewCORS(loop, topts...),
		transport.NewScript(loop, transport.NewCallbackTable(), topts...),
		transport.WithCORSOnly(cfg.Visitor.UseCORSOnly),
		transport.WithDispatcherLogger(log),
	)
	persister := fieldstore.NewMemoryPersister(blob)
	outbox := idsync.NewOutbox()

	registry := visitor.NewRegistry(func(org string) *visitor.Instance {
		return visitor.New(ctx, cfg, visitor.Deps{
			Persister: persister,
			Session:   fieldstore.NewMemorySession(true),
			Fetcher:   dispatcher,
			Sched:     loop,
			Frames:    outbox,
			Pixels:    idsync.NewHTTPPixelFirer(loop, idsync.WithPixelClient(client), idsync.WithPixelLogger(log)),
			Logger:    log,
		})
	})
	defer registry.Close()

	var inst *visitor.Instance
	if err := loop.Do(ctx, func() {
		inst = registry.Init(cfg.Visitor.OrgID)
		inst.Start(nil)
	}); err != nil {
		return err
	}

	vals, err := visitor.AwaitAll(ctx, loop,
		func(cb resolver.Callback) string { return inst.CoreID(cb, true) },
		func(cb resolver.Callback) string { return inst.SecondaryID(cb, true) },
		func(cb resolver.Callback) string { return inst.LocationHint(cb, true) },
		func(cb resolver.Callback) string { return inst.Blob(cb, true) },
		func(cb resolver.Callback) string { return inst.OptOut(cb, true) },
	)
	if err != nil {
		return err
	}

	res := resolveResult{
		OrgID:        inst.OrgID(),
		MID:          vals[0],
		AID:          vals[1],
		LocationHint: vals[2],
		Blob:         vals[3],
		OptOut:       vals[4],
	}
	if err := loop.Do(ctx, func() {
		res.Syncs = append(outbox.Snapshot().Messages, inst.Syncs().Pending()...)
		res.Persisted = persister.Blob()
	}); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
