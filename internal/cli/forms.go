package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/christopherjohns/consultsync/internal/catalog"
	"github.com/christopherjohns/consultsync/internal/enrollment"
)

// NewFormsCommand creates the forms command.
func NewFormsCommand(opts *RootOptions) *cobra.Command {
	var productID, catalogPath string

	cmd := &cobra.Command{
		Use:   "forms",
		Short: "Print the enrollment forms for a product, or the default set",
		RunE: func(cmd *cobra.Command, args []string) error {
			forms := enrollment.DefaultForms()
			if productID != "" {
				if catalogPath == "" {
					return fmt.Errorf("--product needs --catalog")
				}
				cat, err := catalog.Load(catalogPath)
				if err != nil {
					return err
				}
				forms, err = cat.Forms(cmd.Context(), productID, "")
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(forms)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(forms)
		},
	}

	cmd.Flags().StringVar(&productID, "product", "", "product id to resolve")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog file used with --product")
	return cmd
}
