package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edbinder/binder/internal/config"
	"github.com/edbinder/binder/internal/home"
	"github.com/edbinder/binder/version"
)

var (
	cfgFile string
	homeDir string
	debug   bool
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "binder",
	Short: "IEP document pipeline with OCR, PII redaction and translation",
	Long: `Binder turns scanned IEP (Individualized Education Program) documents
into structured, parent-friendly summaries in the family's languages.

The pipeline includes:
  - PDF OCR with per-page markdown output
  - PII detection and redaction before any LLM sees the text
  - Structured extraction into nine canonical IEP sections
  - Meeting notes and missing-information review
  - Per-language translation fan-out`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.binder/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "binder home directory (default: ~/.binder)",
	)
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON format")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the home directory and a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}
		if h.ConfigExists() {
			return fmt.Errorf("config already exists at %s", h.ConfigPath())
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", h.ConfigPath())
		return nil
	},
}
