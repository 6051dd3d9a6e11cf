package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

var version = "dev"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Debug   bool             `help:"Verbose logging"`

	Verify VerifyCmd `cmd:"" help:"Recompute a round from its revealed seeds"`
	RTP    RTPCmd    `cmd:"rtp" help:"Estimate return to player by simulation"`
	Token  TokenCmd  `cmd:"" help:"Issue a signed session token"`
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("fairctl"),
		kong.Description("Operator tooling for the provably fair round engine"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "fairctl"})
	if cli.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	ctx.Bind(logger)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
