// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	flags "github.com/jessevdk/go-flags"
)

// config defines the configuration options for txrelaydemo.
type config struct {
	Peers         int  `short:"p" long:"peers" description:"Number of simulated peers (half outbound, half inbound)" default:"4"`
	Transactions  int  `short:"t" long:"txs" description:"Number of simulated transactions" default:"6"`
	Deterministic bool `long:"deterministic" description:"Use a zero tie-break salt so the request schedule is reproducible"`
	Debug         bool `short:"d" long:"debug" description:"Log tracker state transitions"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	cfg := config{}
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}
	if cfg.Peers < 2 {
		cfg.Peers = 2
	}
	return &cfg, nil
}
