/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads the top-level driver's configuration file (spec
// §6's CLI surface plus ambient server/project settings), grounded on
// ingest/config's gcfg-based loader. Settings are layered: file, then
// an overlay directory of drop-in .conf fragments, then environment
// variable overrides (spec §9's AO_V1_* namespace), highest priority
// last.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/gravwell/gcfg"
)

const maxConfigSize int64 = 4 * 1024 * 1024
const confExt = ".conf"

var (
	ErrConfigTooLarge = errors.New("config: file exceeds maximum size")
	ErrNotDirectory   = errors.New("config: overlay path is not a directory")
)

// Global is the [global] section of the driver's config file, mirroring
// spec §6's CLI surface knobs so they can be set durably instead of
// repeated on every invocation.
type Global struct {
	Project    string
	ServerURL  string `gcfg:"server-url"`
	BaseDir    string `gcfg:"base-dir"`
	LogFile    string `gcfg:"log-file"`
	LogLevel   string `gcfg:"log-level"`
	Recycle    bool   `gcfg:"recycle"`
	Gzip       bool   `gcfg:"gzip"`
	RateLimit  int64  `gcfg:"rate-limit-bytes-per-sec"`
	MaxUploads int    `gcfg:"max-concurrent-uploads"`
}

// Aggregation is the [aggregation] section controlling which programs
// and command lines become audit-group leaders and which break
// aggregation entirely: the six {line,prog} x {break,strong,weak}
// regexes of spec §4.4, plus the path-access exclusion regex of §4.1.
type Aggregation struct {
	StrongProgRegexp  string `gcfg:"strong-program-regexp"`
	StrongLineRegexp  string `gcfg:"strong-line-regexp"`
	WeakProgRegexp    string `gcfg:"weak-program-regexp"`
	WeakLineRegexp    string `gcfg:"weak-line-regexp"`
	BreakProgRegexp   string `gcfg:"break-program-regexp"`
	BreakLineRegexp   string `gcfg:"break-line-regexp"`
	ExcludePathRegexp string `gcfg:"exclude-path-regexp"`
}

// Strict is the [strict] section, spec §6's "strictness" knobs.
type Strict struct {
	DownloadRequired bool `gcfg:"download-required"`
	UploadRequired   bool `gcfg:"upload-required"`
}

type Config struct {
	Global      Global
	Aggregation Aggregation
	Strict      Strict
}

// Load reads path (if non-empty), then overlays any *.conf fragments
// found in overlayDir (if non-empty), then applies environment
// overrides, matching ingest/config's LoadConfigFile +
// LoadConfigOverlays layering.
func Load(path, overlayDir string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if overlayDir != "" {
		if err := LoadOverlays(cfg, overlayDir); err != nil {
			return nil, err
		}
	}
	ApplyEnv(cfg)
	return cfg, nil
}

func LoadFile(cfg *Config, path string) error {
	fin, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fin.Close()
	fi, err := fin.Stat()
	if err != nil {
		return err
	}
	if fi.Size() > maxConfigSize {
		return ErrConfigTooLarge
	}
	bb := bytes.NewBuffer(nil)
	if _, err := io.Copy(bb, fin); err != nil {
		return err
	}
	return LoadBytes(cfg, bb.Bytes())
}

func LoadOverlays(cfg *Config, dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !fi.IsDir() {
		return ErrNotDirectory
	}
	dents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, dent := range dents {
		if !dent.Type().IsRegular() {
			continue
		}
		if ext := dent.Name()[max(0, len(dent.Name())-len(confExt)):]; ext != confExt {
			continue
		}
		if err := LoadFile(cfg, dir+string(os.PathSeparator)+dent.Name()); err != nil {
			return err
		}
	}
	return nil
}

func LoadBytes(cfg *Config, b []byte) error {
	if int64(len(b)) > maxConfigSize {
		return ErrConfigTooLarge
	}
	return gcfg.ReadStringInto(cfg, string(b))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
