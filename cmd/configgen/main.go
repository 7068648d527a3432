package main

import (
	"fmt"
	"os"

	"github.com/danmuck/simctl/internal/config"
	"github.com/danmuck/simctl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultPath = "cmd/simctl/config.toml"

func main() {
	observability.InitLogger("configgen")
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	output := flags.StringP("output", "o", defaultPath, "output path for the config template")
	validate := flags.Bool("validate", false, "validate an existing config file instead of writing one")
	input := flags.StringP("input", "i", defaultPath, "config path for validation")
	force := flags.BoolP("force", "f", false, "overwrite an existing config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *validate {
		if _, err := config.Load(*input); err != nil {
			return err
		}
		log.Info().Str("path", *input).Msg("config valid")
		return nil
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		return err
	}
	log.Info().Str("path", *output).Msg("wrote config template")
	return nil
}
