package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ankisho/TeamCloud/pkg/catalog"
	"github.com/ankisho/TeamCloud/pkg/engine"
)

type providersOptions struct {
	path        string
	projectType string
	tags        map[string]string
}

// catalogListing is the JSON form of the providers command.
type catalogListing struct {
	Providers    []engine.Provider    `json:"providers"`
	ProjectTypes []engine.ProjectType `json:"project_types,omitempty"`
	Applicable   []string             `json:"applicable,omitempty"`
	Files        []string             `json:"files"`
}

func newProvidersCommand(opts *options) *cobra.Command {
	po := &providersOptions{}

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Validate and list the provider catalog",
		Long: `Validate and list the provider catalog.

With --type or --tag the providers that would receive a command for such a
project are listed, with their conditions evaluated.`,
		Example: `  teamcloud providers --catalog ./catalog
  teamcloud providers --type azure --tag tier=gold`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if po.path == "" {
				po.path = cfg.Catalog.Path
			}

			ctx := cmd.Context()
			evaluator, err := newEvaluator(ctx, cfg, log.Logger)
			if err != nil {
				return err
			}

			svc, err := catalog.NewService(ctx, catalog.ServiceOptions{
				Path:       po.path,
				Conditions: evaluator,
				Logger:     log.Logger,
			})
			if err != nil {
				var loadErr *catalog.LoadError
				if errors.As(err, &loadErr) {
					p := newPrinter(cmd.ErrOrStderr(), false)
					for _, ve := range loadErr.Errors {
						p.fail("%s", ve.String())
					}
				}
				return err
			}
			defer svc.Close()

			listing, err := po.listing(ctx, svc)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout(), opts.jsonOutput)
			if opts.jsonOutput {
				return p.json(listing)
			}
			po.print(p, listing)
			return nil
		},
	}

	cmd.Flags().StringVar(&po.path, "catalog", "", "catalog file or directory (defaults to catalog.path)")
	cmd.Flags().StringVarP(&po.projectType, "type", "t", "", "project type to resolve providers for")
	cmd.Flags().StringToStringVar(&po.tags, "tag", nil, "project tag to resolve providers for (key=value)")

	return cmd
}

func (po *providersOptions) listing(ctx context.Context, svc *catalog.Service) (*catalogListing, error) {
	c := svc.Catalog()
	listing := &catalogListing{
		Providers:    redacted(c.Providers),
		ProjectTypes: c.ProjectTypes,
		Files:        c.SourceFiles,
	}

	if po.projectType == "" && len(po.tags) == 0 {
		return listing, nil
	}

	project := &engine.Project{ID: "preview", Type: po.projectType, Tags: po.tags}
	providers, err := svc.ProvidersFor(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve providers: %w", err)
	}
	listing.Applicable = make([]string, 0, len(providers))
	for _, p := range providers {
		listing.Applicable = append(listing.Applicable, p.ID)
	}
	return listing, nil
}

// redacted hides provider auth codes.
func redacted(providers []engine.Provider) []engine.Provider {
	out := make([]engine.Provider, len(providers))
	for i, p := range providers {
		if p.AuthCode != "" {
			p.AuthCode = "***"
		}
		out[i] = p
	}
	return out
}

func (po *providersOptions) print(p *printer, l *catalogListing) {
	p.success("Catalog valid: %d providers, %d project types", len(l.Providers), len(l.ProjectTypes))
	p.field("Files", strings.Join(l.Files, ", "))

	for _, provider := range l.Providers {
		fmt.Fprintf(p.out, "\n%s\n", cyan.Sprint(provider.ID))
		p.field("URL", provider.URL)
		if provider.Timeout > 0 {
			p.field("Timeout", provider.Timeout)
		}
		if provider.Condition != "" {
			p.field("Condition", provider.Condition)
		}
	}

	for _, t := range l.ProjectTypes {
		name := t.ID
		if t.Default {
			name += " (default)"
		}
		fmt.Fprintf(p.out, "\n%s\n", cyan.Sprint(name))
		p.field("Providers", strings.Join(t.Providers, ", "))
	}

	if l.Applicable != nil {
		fmt.Fprintln(p.out)
		if len(l.Applicable) == 0 {
			p.warn("No provider applies to this project")
			return
		}
		p.success("Applicable providers: %s", strings.Join(l.Applicable, ", "))
	}
}
