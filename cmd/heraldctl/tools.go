package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lalithlochan/herald/internal/phone"
	"github.com/lalithlochan/herald/internal/template"
)

func normalizeCmd() *cobra.Command {
	var (
		countryCode string
		email       bool
	)

	cmd := &cobra.Command{
		Use:   "normalize <recipient>...",
		Short: "Show the canonical form of phone numbers or email addresses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := phone.New(countryCode)
			kind := phone.KindPhone
			if email {
				kind = phone.KindEmail
			}

			out := cmd.OutOrStdout()
			for _, raw := range args {
				canonical := n.NormalizeRecipient(kind, raw)
				switch {
				case canonical == "":
					fmt.Fprintf(out, "%s\t(empty)\n", raw)
				case kind == phone.KindPhone && !phone.IsPlausible(canonical):
					fmt.Fprintf(out, "%s\t%s\t(implausible length)\n", raw, canonical)
				default:
					fmt.Fprintf(out, "%s\t%s\n", raw, canonical)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&countryCode, "country", phone.Default.CountryCode, "default country code for national numbers")
	cmd.Flags().BoolVar(&email, "email", false, "treat arguments as email addresses")
	return cmd
}

func renderCmd() *cobra.Command {
	var (
		params      string
		language    string
		catalogPath string
	)

	cmd := &cobra.Command{
		Use:   "render <template>",
		Short: "Preview a template for every channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var catalog template.Catalog
			if catalogPath != "" {
				c, err := template.LoadCatalog(catalogPath)
				if err != nil {
					return err
				}
				catalog = c
			}

			p, err := template.DecodeParams(args[0], json.RawMessage(params))
			if err != nil {
				return err
			}
			rendered, err := template.NewRenderer(catalog).Render(args[0], language, p)
			if err != nil {
				return err
			}

			wa, err := json.MarshalIndent(rendered.WhatsApp, "", "  ")
			if err != nil {
				return fmt.Errorf("encode whatsapp template: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "== SMS\n%s\n\n", rendered.SMS)
			fmt.Fprintf(out, "== Email subject\n%s\n\n", rendered.EmailSubject)
			fmt.Fprintf(out, "== Email HTML\n%s\n\n", rendered.EmailHTML)
			fmt.Fprintf(out, "== WhatsApp\n%s\n", wa)
			return nil
		},
	}

	cmd.Flags().StringVarP(&params, "params", "p", "{}", "template parameters as a JSON object")
	cmd.Flags().StringVarP(&language, "language", "l", "", "language code (template default when empty)")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML catalog with provider template overrides")
	return cmd
}

func templatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List registered templates",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range template.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}
