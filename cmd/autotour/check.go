package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"autotour/internal/config"
	"autotour/internal/configstore"
	"autotour/internal/recurrence"
	"autotour/internal/ruleset"
	"autotour/internal/storage"
	"autotour/internal/tour"
	logx "autotour/pkg/logx"
)

var (
	checkRoom  string
	checkCount int

	checkFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "room, r",
			Usage:       "only show this room (\"<chat_id>\" or \"<chat_id>:<thread_id>\")",
			Destination: &checkRoom,
		},
		cli.IntFlag{
			Name:        "count, n",
			Usage:       "upcoming tours to list per rule",
			Value:       3,
			Destination: &checkCount,
		},
	}
)

func loadSettings() (config.Settings, error) {
	if err := config.LoadEnvFile(envPath); err != nil {
		return config.Settings{}, fmt.Errorf("load %s: %w", envPath, err)
	}
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return config.Settings{}, err
	}
	return config.Resolve(cfg)
}

func validate(c *cli.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "config OK: %s\n", cfgPath)
	fmt.Fprintf(w, "  storage:  %s %s\n", s.Storage.Driver, s.Storage.Path)
	fmt.Fprintf(w, "  timezone: %s\n", s.Location)
	fmt.Fprintf(w, "  owners:   %d\n", len(s.Owners))
	if s.Token == "" {
		fmt.Fprintf(w, "  warning:  no bot token (set telegram.token or %s)\n", config.EnvToken)
	}
	return nil
}

func check(c *cli.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	st, err := storage.Open(s.Storage, logx.NewConsole("WARN").Named("storage"))
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := configstore.Open(context.Background(), st)
	if err != nil {
		return err
	}
	rooms := rules.Tenants()
	if checkRoom != "" {
		rooms = []string{strings.TrimSpace(checkRoom)}
	}
	return printCheck(c.App.Writer, rules, rooms, time.Now().In(s.Location), checkCount)
}

type committedRules interface {
	Committed(tenant string) ruleset.RuleSet
}

func printCheck(w io.Writer, src committedRules, rooms []string, now time.Time, n int) error {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No rooms have auto tours configured.")
		return nil
	}
	n = max(n, 1)
	rooms = slices.Clone(rooms)
	slices.Sort(rooms)
	for _, room := range rooms {
		rs := src.Committed(room)
		if len(rs) == 0 {
			fmt.Fprintf(w, "Room %s: no auto tours\n", room)
			continue
		}
		fmt.Fprintf(w, "Room %s: %d rule(s)\n", room, len(rs))
		for i, r := range rs {
			settings := tour.FromParams(r.Params)
			format := settings.Format
			if format == "" {
				format = "(no format)"
			}
			fmt.Fprintf(w, "  %d. %s - %s - %s\n", i, format, r.Timing, tour.Summary(settings))
			next, err := recurrence.Preview(r.Timing, now, n)
			if err != nil {
				fmt.Fprintf(w, "     invalid timing: %v\n", err)
				continue
			}
			for _, t := range next {
				fmt.Fprintf(w, "     %s (%s)\n", t.Format("Mon 2006-01-02 15:04 MST"), humanize.RelTime(t, now, "ago", "from now"))
			}
		}
	}
	return nil
}
