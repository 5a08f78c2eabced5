// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
	"zb.256lights.llc/zbcore/store"
)

type globalConfig struct {
	Debug         bool            `json:"debug"`
	Directory     store.Directory `json:"storeDirectory"`
	RealDirectory string          `json:"realStoreDirectory"`
	StoreDB       string          `json:"storeDB"`
}

// defaultGlobalConfig returns the configuration used
// in the absence of any configuration files or environment variables.
func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		Directory: store.DefaultDirectory,
		StoreDB:   filepath.Join(defaultVarDir(store.DefaultDirectory), "db.sqlite"),
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("ZB_STORE_DIR"); dir != "" {
		zbDir, err := store.CleanDirectory(dir)
		if err != nil {
			return err
		}
		g.Directory = zbDir
	}
	if dir := os.Getenv("ZB_REAL_STORE_DIR"); dir != "" {
		g.RealDirectory = dir
	}
	if path := os.Getenv("ZB_STORE_DB"); path != "" {
		g.StoreDB = path
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &g.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "storeDirectory":
			var dir string
			if err := jsonv2.UnmarshalDecode(in, &dir); err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %w", err)
			}
			g.Directory, err = store.CleanDirectory(dir)
			if err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %w", err)
			}
		case "realStoreDirectory":
			if err := jsonv2.UnmarshalDecode(in, &g.RealDirectory); err != nil {
				return fmt.Errorf("unmarshal config.realStoreDirectory: %w", err)
			}
		case "storeDB":
			if err := jsonv2.UnmarshalDecode(in, &g.StoreDB); err != nil {
				return fmt.Errorf("unmarshal config.storeDB: %w", err)
			}
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
			if err := in.SkipValue(); err != nil {
				return err
			}
		}
	}
}

func (g *globalConfig) validate() error {
	if !filepath.IsAbs(string(g.Directory)) {
		return fmt.Errorf("store directory %q is not absolute", g.Directory)
	}
	if g.StoreDB == "" {
		return fmt.Errorf("store database not set")
	}
	return nil
}

// configFiles returns the paths of configuration files to read
// in increasing order of preference.
// ZBCORE_CONFIG, if set, is a list of files separated by [os.PathListSeparator]
// that replaces the default search paths.
func configFiles() iter.Seq[string] {
	return func(yield func(string) bool) {
		if list := os.Getenv("ZBCORE_CONFIG"); list != "" {
			for path := range strings.SplitSeq(list, string(os.PathListSeparator)) {
				if path != "" && !yield(path) {
					return
				}
			}
			return
		}
		for dir := range systemConfigDirs() {
			if !yield(filepath.Join(dir, "zbcore", "config.jwcc")) {
				return
			}
		}
	}
}

// defaultVarDir returns the state directory next to a store directory,
// "/zb/var/zbcore" for the default store.
func defaultVarDir(dir store.Directory) string {
	return filepath.Join(filepath.Dir(string(dir)), "var", "zbcore")
}
