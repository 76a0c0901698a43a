// Command padi-chat probes the configured generation provider: it reports
// whether the provider answers, lists its models and, given a prompt as
// arguments, prints one generated reply.
//
//	padi-chat -config padi.yaml "What would be a good name for a sock company?"
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/RichardoC/padi-chat/internal/config"
	"github.com/RichardoC/padi-chat/internal/llm"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults are used when empty")
	model := flag.String("model", "", "model to generate with; defaults to provider.model")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	provider, err := llm.New(cfg.Provider, logger)
	if err != nil {
		logger.Fatal("failed to initialize provider", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Provider.Timeout)
	defer cancel()

	if !provider.IsAvailable(ctx) {
		fmt.Printf("%s provider at %s: unavailable\n", cfg.Provider.Kind, cfg.Provider.BaseURL)
		os.Exit(1)
	}
	fmt.Printf("%s provider at %s: available\n", cfg.Provider.Kind, cfg.Provider.BaseURL)

	models, err := provider.ListModels(ctx)
	if err != nil {
		logger.Warn("failed to list models", zap.Error(err))
	}
	for _, name := range models {
		marker := " "
		if name == provider.DefaultModel() {
			marker = "*"
		}
		fmt.Printf(" %s %s\n", marker, name)
	}

	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" {
		return
	}
	completion, err := provider.Generate(ctx, prompt, *model)
	if err != nil {
		logger.Fatal("failed to generate completion", zap.Error(err))
	}
	fmt.Println(completion)
}
