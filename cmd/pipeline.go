package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/terraconstructs/gridauth/internal/auth"
	"github.com/terraconstructs/gridauth/internal/config"
	"github.com/terraconstructs/gridauth/internal/middleware"
	"github.com/terraconstructs/gridauth/internal/server"
)

var pipelineOutput string

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Print the assembled request pipeline",
	Long: `Assembles the request pipeline exactly as serve would and prints the stage order
and where the authenticate and header_guard stages were placed. Nothing is served and
the token verifier is not built.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, inst, err := assemble(cfg, zap.NewNop())
		if err != nil {
			return err
		}
		switch pipelineOutput {
		case "text":
			printPipeline(cmd.OutOrStdout(), p, inst)
			return nil
		case "yaml":
			return writePipelineYAML(cmd.OutOrStdout(), p, inst)
		default:
			return fmt.Errorf("unsupported output %q (want text or yaml)", pipelineOutput)
		}
	},
}

type outcomeReport struct {
	Stage    string   `yaml:"stage"`
	Position string   `yaml:"position"`
	Anchor   string   `yaml:"anchor,omitempty"`
	Degraded bool     `yaml:"degraded,omitempty"`
	Missing  []string `yaml:"unavailable,omitempty"`
}

type pipelineReport struct {
	Stages       []string       `yaml:"stages"`
	Authenticate outcomeReport  `yaml:"authenticate"`
	Guard        *outcomeReport `yaml:"header_guard,omitempty"`
}

func reportFor(out middleware.Outcome) outcomeReport {
	return outcomeReport{
		Stage:    out.Stage,
		Position: string(out.Position),
		Anchor:   out.Anchor,
		Degraded: out.Degraded,
		Missing:  out.Missing,
	}
}

func writePipelineYAML(w io.Writer, p *middleware.Pipeline, inst middleware.Installation) error {
	report := pipelineReport{Stages: p.Names(), Authenticate: reportFor(inst.Primary)}
	if inst.Guard != nil {
		guard := reportFor(*inst.Guard)
		report.Guard = &guard
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}
	return enc.Close()
}

func assemble(c *config.Config, logger *zap.Logger) (*middleware.Pipeline, middleware.Installation, error) {
	settings := func() auth.VerifierSettings { return auth.SettingsFromConfig(c) }
	comps, err := server.NewAuthComponents(c, settings, auth.OIDCBuilder(), logger, nil)
	if err != nil {
		return nil, middleware.Installation{}, err
	}
	return server.AssemblePipeline(server.RouterOptions{
		Cfg:       c,
		Auth:      comps,
		Logger:    logger,
		AccessLog: true,
	})
}

func printPipeline(w io.Writer, p *middleware.Pipeline, inst middleware.Installation) {
	for i, name := range p.Names() {
		fmt.Fprintf(w, "%2d. %s\n", i+1, name)
	}
	fmt.Fprintln(w)
	printOutcome(w, inst.Primary)
	if inst.Guard != nil {
		printOutcome(w, *inst.Guard)
	}
}

func printOutcome(w io.Writer, out middleware.Outcome) {
	line := out.String()
	if len(out.Missing) > 0 {
		line += " (unavailable: " + strings.Join(out.Missing, ", ") + ")"
	}
	if out.Degraded {
		line += " [degraded]"
	}
	fmt.Fprintln(w, line)
}

func init() {
	pipelineCmd.Flags().StringVarP(&pipelineOutput, "output", "o", "text", "Output format: text or yaml")
	rootCmd.AddCommand(pipelineCmd)
}
