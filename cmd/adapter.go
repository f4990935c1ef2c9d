package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/logging"
	"github.com/JakeFAU/linkcascade/internal/promotion"
	"github.com/JakeFAU/linkcascade/internal/publisher/process"
	"github.com/JakeFAU/linkcascade/internal/server"
)

// newAdapterCmd creates the 'adapter' subcommand. It is the child side of a
// process adapter: one JSON job on stdin, one JSON result line on stdout.
func newAdapterCmd() *cobra.Command {
	var slug, kind string
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Runs one adapter job read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if slug == "" {
				return errors.New("--slug is required")
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     "linkcascade-adapter",
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			catalog, err := server.LoadCatalog(cfg.Registry)
			if err != nil {
				return err
			}
			desc, ok := catalog.Get(slug)
			if !ok {
				return fmt.Errorf("adapter %q is not in the catalog", slug)
			}
			if kind != "" {
				desc.Kind = promotion.AdapterKind(kind)
			}
			if desc.Kind == promotion.KindProcess {
				return fmt.Errorf("adapter %q is a process adapter; pass --kind to pick an in-process implementation", slug)
			}

			deps := server.PublisherDeps{Logger: logger}
			if desc.Kind == promotion.KindBrowserForm {
				b, err := server.NewBrowser(cfg)
				if err != nil {
					return err
				}
				defer b.Close()
				deps.Browser = b
				deps.Solver = server.NewSolver(cfg, logger.Named("captcha"))
			}
			build, ok := server.Builders(cfg, deps, false)[desc.Kind]
			if !ok {
				return fmt.Errorf("adapter kind %q has no in-process implementation", desc.Kind)
			}
			pub, err := build(desc)
			if err != nil {
				return fmt.Errorf("build adapter %s: %w", slug, err)
			}
			logger.Debug("serving adapter job", zap.String("slug", slug), zap.String("kind", string(desc.Kind)))
			return process.Serve(cmd.Context(), pub, slug, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "catalog slug of the adapter")
	cmd.Flags().StringVar(&kind, "kind", "", "override the adapter kind (telegraph, browserform, memory)")
	return cmd
}
