package main

import (
	"os"
	"strings"

	"github.com/NanotokLLC/tytools/internal/cmd"
	"github.com/NanotokLLC/tytools/internal/configpaths"
	"github.com/NanotokLLC/tytools/internal/database"
	"github.com/NanotokLLC/tytools/internal/log"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"
)

func main() {

	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(userCfg)

	var cli cmd.CLI
	ctx := kong.Parse(&cli,
		kong.Name("tyc"),
		kong.Description("Manage and communicate with USB development boards"),
		kong.UsageOnError(),
		// Load configuration from JSON/YAML/TOML in priority order; flags/env override config values.
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	// The monitor session writes serial output to stdout, so logs must
	// stay off it.
	stderrOnly := strings.HasPrefix(ctx.Command(), "monitor")

	logger, closeFiles, err := log.SetupLogger(cli.Log.Level, cli.Log.File, stderrOnly)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() {
		for _, c := range closeFiles {
			_ = c.Close()
		}
	}()

	var rawLogger log.RawLogger
	if cli.Log.RawFile != "" {
		f, err := os.OpenFile(cli.Log.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("failed to open raw log file", "file", cli.Log.RawFile, "error", err)
			rawLogger = log.NewRaw(nil)
		} else {
			rawLogger = log.NewRaw(f)
			closeFiles = append(closeFiles, f)
		}
	} else {
		rawLogger = log.NewRaw(nil)
	}

	var db database.Database
	if file, err := database.OpenDefault(); err == nil {
		db = file
	} else {
		logger.Warn("settings file unavailable, running without persistence", "error", err)
		db = database.Noop{}
	}

	ctx.Bind(logger)
	ctx.Bind(&cli)
	ctx.BindTo(rawLogger, (*log.RawLogger)(nil))
	ctx.BindTo(db, (*database.Database)(nil))

	err = ctx.Run()
	ctx.FatalIfErrorf(err)
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv("TYTOOLS_CONFIG"); v != "" {
		return v
	}
	return ""
}
