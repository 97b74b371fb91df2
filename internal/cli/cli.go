// Package cli holds the schemaflow command-line presentation helpers.
package cli

import (
	"fmt"
	"io"
	"os"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/config"
)

const (
	Version = "0.1.0"
	Banner  = `
  ╔═╗╔═╗╦ ╦╔═╗╔╦╗╔═╗╔═╗╦  ╔═╗╦ ╦
  ╚═╗║  ╠═╣║╣ ║║║╠═╣╠╣ ║  ║ ║║║║
  ╚═╝╚═╝╩ ╩╚═╝╩ ╩╩ ╩╚  ╩═╝╚═╝╚╩╝
  Schema-governed streaming pipelines
  v%s
`
)

func PrintBanner() {
	fmt.Fprintf(os.Stderr, Banner, Version)
}

// PrintValidation writes the issues of one definition file to w.
func PrintValidation(w io.Writer, path, name string, result *config.ValidationResult) {
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(w, "\n📋 %s (%s)\n", name, path)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "   ❌ %s: %s\n", e.Field, e.Message)
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "   ⚠️  %s: %s\n", warn.Field, warn.Message)
	}
	if result.IsValid() && len(result.Warnings) == 0 {
		fmt.Fprintln(w, "   ✅ Valid")
	}
}

// PrintSummary writes a one-line overview of a definition.
func PrintSummary(w io.Writer, def v1.PipelineDefinition) {
	fmt.Fprintf(w, "   source=%s sink=%s transformations=%d retries=%d dlq=%t\n",
		def.Source.Type, def.Sink.Type, len(def.Transformations),
		def.ErrorPolicy.RetryCount, def.ErrorPolicy.UseDeadLetterQueue)
}
