package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/cascade/internal/llm"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models offered by the configured endpoint",
	RunE:  runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, "")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client := llm.New(cfg.LLM, logger.Named("llm"))
	ids, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	ids = llm.SortModels(ids)
	if len(ids) == 0 {
		fmt.Println("No models found")
		return nil
	}
	for _, id := range ids {
		marker := "  "
		if id == cfg.LLM.Model {
			marker = "* "
		}
		fmt.Println(marker + id)
	}
	return nil
}
