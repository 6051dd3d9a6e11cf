package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/policy"
	"provably-fair-backend/internal/rtp"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle = lipgloss.NewStyle().Width(16).Foreground(lipgloss.Color("#888888"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
)

type RTPCmd struct {
	Game       string  `arg:"" enum:"roulette,dice,mines,crash,tower,blackjack" help:"Game type"`
	Rounds     int     `short:"n" default:"100000" help:"Rounds to simulate"`
	Workers    int     `short:"w" default:"0" help:"Parallel workers (0 for one per CPU)"`
	Params     string  `help:"Bet parameters as JSON. Each game has a representative default."`
	Seed       string  `help:"Server seed for a reproducible run"`
	Confidence float64 `default:"0.95" help:"Confidence level for the reported intervals"`
	PolicyFile string  `help:"Policy YAML to simulate. Defaults are used when empty." type:"existingfile"`
	JSON       bool    `help:"Print the result as JSON"`
}

func (c *RTPCmd) Run(logger *log.Logger) error {
	p, err := c.policy()
	if err != nil {
		return err
	}
	workers := c.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	cfg := rtp.Config{
		Policy:     p,
		Rounds:     c.Rounds,
		Workers:    workers,
		ServerSeed: c.Seed,
		Confidence: c.Confidence,
	}
	if c.Params != "" {
		cfg.Params = json.RawMessage(c.Params)
	}

	logger.Debug("simulating", "game", c.Game, "rounds", c.Rounds, "workers", workers)
	start := time.Now()
	res, err := rtp.Run(context.Background(), cfg)
	if err != nil {
		return err
	}
	logger.Debug("simulation finished", "elapsed", time.Since(start))

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(res, p)
	return nil
}

func (c *RTPCmd) policy() (models.Policy, error) {
	defs := policy.Defaults()
	if c.PolicyFile != "" {
		var err error
		if defs, err = policy.LoadFile(c.PolicyFile); err != nil {
			return models.Policy{}, err
		}
	}
	for _, p := range defs {
		if string(p.Game) == c.Game {
			return p, nil
		}
	}
	return models.Policy{}, fmt.Errorf("no policy for game %q", c.Game)
}

func printResult(res rtp.Result, p models.Policy) {
	target, _ := p.TargetRTP.Float64()
	row := func(label, value string) {
		fmt.Println(labelStyle.Render(label) + value)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%s policy v%d", res.Game, res.PolicyVersion)))
	row("rounds", fmt.Sprintf("%d", res.Rounds))
	row("server seed", res.ServerSeed)
	row("rtp", fmt.Sprintf("%.4f  [%.4f, %.4f]", res.RTP, res.RTPInterval.Lo, res.RTPInterval.Hi))
	row("target", fmt.Sprintf("%.4f", target))
	row("std dev", fmt.Sprintf("%.4f", res.StdDev))
	row("hit rate", fmt.Sprintf("%.4f  [%.4f, %.4f]", res.HitRate, res.HitInterval.Lo, res.HitInterval.Hi))
	row("max multiplier", fmt.Sprintf("%.2fx", res.MaxMultiplier))
	if !res.RTPInterval.Contains(target) {
		fmt.Println(warnStyle.Render("target rtp is outside the interval for this strategy"))
	}
}
