// Package config loads the daemon's key=value configuration file, the
// format MediaArchiverConfig.hpp parses (trim, '#'-comment strip,
// key=value split, per-key assignment) ported to idiomatic Go. No
// third-party config library in the pack reads this bespoke format, so
// this stays on stdlib bufio/regexp (see DESIGN.md).
package config

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// DefaultFilenamePattern matches the common video container extensions the
// original daemon watches for by default.
const DefaultFilenamePattern = `(?i)\.(mp4|3gp|mov|avi|mts|vob|ts|mpg|mpe|mpeg|divx|qt|wmv|asf|flv)$`

// DaemonConfig holds every tunable named in spec §6.4.
type DaemonConfig struct {
	ServerPort           int
	ChunkSize            int
	FoldersToWatch       string
	FilenameMatchPattern *regexp.Regexp
	VCodec               string
	ACodec               string
	ABitRate             string
	CRF                  int
	TempFolder           string
	FinalExtension       string
	DBPath               string
	ResultFileSuffix     string
	LogFile              string
	Verbosity            int
}

// Default returns the daemon's built-in defaults, matching the original's
// gCfg initializer.
func Default() DaemonConfig {
	pattern := regexp.MustCompile(DefaultFilenamePattern)
	return DaemonConfig{
		ServerPort:           2020,
		ChunkSize:            256 * 1024,
		FoldersToWatch:       "",
		FilenameMatchPattern: pattern,
		VCodec:               "libx265",
		ACodec:               "aac",
		ABitRate:             "128k",
		CRF:                  22,
		TempFolder:           "",
		FinalExtension:       ".mp4",
		DBPath:               "mediarchiver.db",
		ResultFileSuffix:     "_archived",
		LogFile:              "",
		Verbosity:            0,
	}
}

// Load reads path into a DaemonConfig seeded with Default(). Unrecognized
// keys are logged and skipped rather than treated as fatal, matching the
// original's permissive parse().
func Load(path string) (DaemonConfig, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(kv[1])

		if err := apply(&cfg, key, value); err != nil {
			log.Printf("config: %s: %v", key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	return cfg, nil
}

func apply(cfg *DaemonConfig, key, value string) error {
	switch key {
	case "server_port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.ServerPort = n
	case "chunk_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.ChunkSize = n
	case "folders_to_watch":
		cfg.FoldersToWatch = value
	case "filename_match_pattern":
		p, err := regexp.Compile("(?i)" + value)
		if err != nil {
			return err
		}
		cfg.FilenameMatchPattern = p
	case "v_codec":
		cfg.VCodec = value
	case "a_codec":
		cfg.ACodec = value
	case "a_bitrate":
		cfg.ABitRate = value
	case "crf":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.CRF = n
	case "temp_folder":
		cfg.TempFolder = value
	case "final_extension":
		cfg.FinalExtension = value
	case "db_path":
		cfg.DBPath = value
	case "result_file_suffix":
		cfg.ResultFileSuffix = value
	case "log_file":
		cfg.LogFile = value
	case "verbosity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Verbosity = n
	default:
		return fmt.Errorf("unrecognized key %q, ignored", key)
	}
	return nil
}
