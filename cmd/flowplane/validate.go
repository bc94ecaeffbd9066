package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/internal/compile"
	"github.com/rendis/flowplane/internal/validation"
	"github.com/rendis/flowplane/pkg/schema"
)

// buildValidator constructs a validator over the catalog at path, or an
// empty catalog when no path is given.
func buildValidator(path string) (*validation.Validator, error) {
	reg := catalog.NewRegistry()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		if err := reg.LoadJSON(data); err != nil {
			return nil, fmt.Errorf("load catalog %s: %w", path, err)
		}
	}
	return validation.NewValidator(reg)
}

func newValidateCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "validate <stage> <path>",
		Short: "Validate a workflow document and print the report",
		Long:  "Validate a template, executable, or dag document. Exits 0 when valid, 2 when the report carries errors.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[1])
			if err != nil {
				return err
			}
			v, err := buildValidator(catalogPath)
			if err != nil {
				return err
			}

			result := v.Validate(schema.Stage(args[0]), doc, validation.Options{})
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Valid() {
				os.Exit(exitInvalid)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", os.Getenv("FLOWPLANE_CATALOG_PATH"), "Path to a JSON tool catalog")
	return cmd
}

func newCompileCmd() *cobra.Command {
	var (
		catalogPath string
		outPath     string
	)
	cmd := &cobra.Command{
		Use:   "compile <executable>",
		Short: "Validate and lower an executable document to a dag",
		Long:  "Run the full validate, repair, and lower pipeline. Writes the dag to -o or stdout. Exits 0 on success, 2 when the document does not compile.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			v, err := buildValidator(catalogPath)
			if err != nil {
				return err
			}

			result := compile.NewCompiler(v).ValidateAndCompile(doc, validation.Options{})
			if !result.OK {
				if err := printJSON(result); err != nil {
					return err
				}
				os.Exit(exitInvalid)
			}

			raw, err := jsonMarshalIndent(result.DAG)
			if err != nil {
				return err
			}
			if outPath != "" {
				if err := os.WriteFile(outPath, append(raw, '\n'), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", outPath, err)
				}
				for _, repair := range result.Repairs {
					fmt.Fprintf(os.Stderr, "repaired %s: %s\n", repair.Path, repair.Message)
				}
				return nil
			}
			fmt.Println(string(raw))
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", os.Getenv("FLOWPLANE_CATALOG_PATH"), "Path to a JSON tool catalog")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write the compiled dag to this file")
	return cmd
}
