// Package config loads, saves, and validates the JSON configuration file
// consumed by the merge command. Flags layered on top always win over file
// values.
package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wlmerge/pkg/merge"
)

// maxThreads bounds the configurable worker count; values beyond this are
// operator mistakes, not tuning.
const maxThreads = 100

// Config mirrors the JSON configuration file. Zero values mean "use the
// built-in default".
type Config struct {
	InputFiles     string `json:"input_files,omitempty"`
	OutputFile     string `json:"output_file,omitempty"`
	CheckpointPath string `json:"checkpoint_path,omitempty"`
	Threads        int    `json:"threads,omitempty"`
	ChunkSize      int    `json:"chunk_size,omitempty"`
	ReadBuffer     int    `json:"read_buffer,omitempty"`
	WriteBuffer    int    `json:"write_buffer,omitempty"`
	SavePartial    *bool  `json:"save_partial,omitempty"`
	Verbose        bool   `json:"verbose,omitempty"`
}

// Template returns the configuration template written by generate-config.
func Template() *Config {
	savePartial := true
	return &Config{
		InputFiles:  "wordlists_to_merge.txt",
		OutputFile:  "merged_wordlist.txt",
		Threads:     10,
		SavePartial: &savePartial,
	}
}

// Load reads a configuration file, rejecting unknown fields so typos
// surface instead of being silently ignored.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration format: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Validate checks the configuration for operator mistakes before a run
// starts.
func (c *Config) Validate() error {
	if c.Threads < 0 || c.Threads > maxThreads {
		return fmt.Errorf("invalid thread count %d: must be between 1 and %d", c.Threads, maxThreads)
	}
	if c.ChunkSize < 0 || c.ReadBuffer < 0 || c.WriteBuffer < 0 {
		return errors.New("buffer and chunk sizes must not be negative")
	}
	if c.InputFiles != "" && c.OutputFile != "" {
		in, err1 := filepath.Abs(c.InputFiles)
		out, err2 := filepath.Abs(c.OutputFile)
		if err1 == nil && err2 == nil && in == out {
			return errors.New("input and output paths cannot be the same")
		}
	}
	return nil
}

// Apply copies the configured values onto the merge options, leaving
// unset fields alone.
func (c *Config) Apply(opts *merge.Options) {
	if c.InputFiles != "" {
		opts.ManifestPath = c.InputFiles
	}
	if c.OutputFile != "" {
		opts.OutputPath = c.OutputFile
	}
	if c.CheckpointPath != "" {
		opts.CheckpointPath = c.CheckpointPath
	}
	if c.Threads > 0 {
		opts.Threads = c.Threads
	}
	if c.ChunkSize > 0 {
		opts.ChunkSize = c.ChunkSize
	}
	if c.ReadBuffer > 0 {
		opts.ReadBuffer = c.ReadBuffer
	}
	if c.WriteBuffer > 0 {
		opts.WriteBuffer = c.WriteBuffer
	}
	if c.SavePartial != nil {
		opts.SavePartial = *c.SavePartial
	}
}

// Interactive builds a configuration by prompting on the given streams.
// The caller is responsible for ensuring in is attached to a terminal.
func Interactive(in io.Reader, out io.Writer) (*Config, error) {
	r := bufio.NewReader(in)
	cfg := Template()

	var err error
	if cfg.InputFiles, err = prompt(r, out, "Path to the input manifest", cfg.InputFiles); err != nil {
		return nil, err
	}
	if cfg.OutputFile, err = prompt(r, out, "Path for the merged output", cfg.OutputFile); err != nil {
		return nil, err
	}
	if cfg.CheckpointPath, err = prompt(r, out, "Checkpoint file path (empty disables resume)", ""); err != nil {
		return nil, err
	}

	threadsStr, err := prompt(r, out, "Number of worker threads", strconv.Itoa(cfg.Threads))
	if err != nil {
		return nil, err
	}
	threads, err := strconv.Atoi(threadsStr)
	if err != nil || threads < 1 || threads > maxThreads {
		return nil, fmt.Errorf("invalid thread count %q: must be between 1 and %d", threadsStr, maxThreads)
	}
	cfg.Threads = threads

	savePartial, err := promptBool(r, out, "Commit partial results when interrupted?", true)
	if err != nil {
		return nil, err
	}
	cfg.SavePartial = &savePartial

	return cfg, nil
}

func prompt(r *bufio.Reader, out io.Writer, label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func promptBool(r *bufio.Reader, out io.Writer, label string, def bool) (bool, error) {
	defStr := "y"
	if !def {
		defStr = "n"
	}
	answer, err := prompt(r, out, label+" (y/n)", defStr)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected y or n, got %q", answer)
}
