package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/throw-if-null/argon/internal/config"
	"github.com/throw-if-null/argon/internal/paths"
)

type doctorReport struct {
	Root        string   `json:"root"`
	ConfigPath  string   `json:"config_path"`
	ConfigFound bool     `json:"config_found"`
	ConfigError string   `json:"config_error,omitempty"`
	Store       string   `json:"store"`
	StorePath   string   `json:"store_path,omitempty"`
	Planner     string   `json:"planner"`
	APIKey      bool     `json:"api_key"`
	Driver      string   `json:"driver"`
	Problems    []string `json:"problems"`
}

// doctorWithIO checks the local configuration the daemon would start with.
// Exit code 1 means at least one problem was found.
func doctorWithIO(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(errOut)
	asJSON := fs.Bool("json", false, "print a json report")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	root, err := os.Getwd()
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "getwd: %v\n", err)
		return 1
	}
	rep := doctorReport{Root: root, Problems: []string{}}

	if err := config.LoadEnv(root); err != nil {
		rep.Problems = append(rep.Problems, err.Error())
	}
	res := config.Load(root)
	rep.ConfigPath = res.Path
	rep.ConfigFound = res.Found
	cfg := res.Config
	if res.ParseError != nil {
		rep.ConfigError = res.ParseError.Error()
		rep.Problems = append(rep.Problems, fmt.Sprintf("failed to parse %s: %v", res.Path, res.ParseError))
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		rep.Problems = append(rep.Problems, err.Error())
	}

	rep.Store = cfg.Store.Driver
	if cfg.Store.Driver == "sqlite" {
		p, err := paths.Resolve(root, cfg.Store.Path)
		if err != nil {
			rep.Problems = append(rep.Problems, fmt.Sprintf("store path: %v", err))
		} else {
			rep.StorePath = p
			if err := checkWritableDir(filepath.Dir(p)); err != nil {
				rep.Problems = append(rep.Problems, fmt.Sprintf("store dir not writable: %v", err))
			}
		}
	}
	rep.Planner = cfg.Planner.Provider
	rep.APIKey = cfg.Planner.APIKey != ""
	if cfg.Planner.Provider == "gemini" && !rep.APIKey {
		rep.Problems = append(rep.Problems, "gemini planner selected but GOOGLE_API_KEY is not set")
	}
	rep.Driver = cfg.Driver.Kind
	if cfg.Driver.Kind == "remote" {
		rep.Driver += " " + cfg.Driver.URL
	}

	code := 0
	if len(rep.Problems) > 0 {
		code = 1
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		return code
	}

	_, _ = fmt.Fprintf(out, "root:    %s\n", rep.Root)
	if rep.ConfigFound {
		_, _ = fmt.Fprintf(out, "config:  %s\n", rep.ConfigPath)
	} else {
		_, _ = fmt.Fprintf(out, "config:  %s (missing, using defaults)\n", rep.ConfigPath)
	}
	_, _ = fmt.Fprintf(out, "store:   %s %s\n", rep.Store, rep.StorePath)
	_, _ = fmt.Fprintf(out, "planner: %s (api key: %t)\n", rep.Planner, rep.APIKey)
	_, _ = fmt.Fprintf(out, "driver:  %s\n", rep.Driver)
	for _, p := range rep.Problems {
		_, _ = fmt.Fprintf(out, "problem: %s\n", p)
	}
	if code == 0 {
		_, _ = fmt.Fprintln(out, "ok")
	}
	return code
}

// checkWritableDir creates dir if needed and checks it with a temp file.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
