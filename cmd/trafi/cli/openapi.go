package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trafi/trafi/internal/openapi"
	"github.com/trafi/trafi/internal/server"
)

func newOpenAPICmd() *cobra.Command {
	var (
		outputFile string
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3.1 document of the Trafi API. Every operation carries its
access requirement in the x-trafi-requirement extension.`,
		Example: `  trafi openapi                    # print to stdout
  trafi openapi -o openapi.json    # write to file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			doc, err := server.OpenAPIDocument(openapi.Info{
				Version:      versionString(),
				APIKeyHeader: cfg.Auth.APIKeyHeader,
				ServerURL:    serverURL,
			})
			if err != nil {
				return fmt.Errorf("generate openapi: %w", err)
			}

			if outputFile != "" {
				if err := os.WriteFile(outputFile, append(doc, '\n'), 0644); err != nil {
					return fmt.Errorf("write %s: %w", outputFile, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", outputFile)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(doc))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")
	cmd.Flags().StringVar(&serverURL, "server-url", "", "Server URL to list in the document")

	return cmd
}
