// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// txrelaydemo drives the txrequest and txreconciliation trackers through a
// small scripted relay scenario and prints the resulting schedule.  It
// exists so the library has a runnable entry point; the trackers themselves
// never perform I/O.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/txrelay/txreconciliation"
	"github.com/btcsuite/txrelay/txrequest"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		os.Exit(1)
	}

	if cfg.Debug {
		backend := btclog.NewBackend(os.Stdout)
		reqLog := backend.Logger("TXRQ")
		reqLog.SetLevel(btclog.LevelDebug)
		txrequest.UseLogger(reqLog)
		reconLog := backend.Logger("RCON")
		reconLog.SetLevel(btclog.LevelDebug)
		txreconciliation.UseLogger(reconLog)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fakeHash returns a synthetic transaction hash for simulated transaction n.
func fakeHash(n int) chainhash.Hash {
	var h chainhash.Hash
	h[0] = byte(n)
	h[1] = byte(n >> 8)
	return h
}

func run(cfg *config) error {
	requests := txrequest.New(cfg.Deterministic)
	recon := txreconciliation.New()

	now := time.Now()

	// Register every peer for reconciliation.  Even-numbered peers are
	// outbound (we initiate rounds with them), odd-numbered inbound.
	for peer := 1; peer <= cfg.Peers; peer++ {
		inbound := peer%2 == 1
		_, _, _, _, err := recon.PreRegisterPeer(uint64(peer), inbound)
		if err != nil {
			return err
		}
		if !recon.RegisterPeer(uint64(peer), inbound, inbound, !inbound,
			txreconciliation.ReconVersion, uint64(peer)*0x9e3779b9) {

			return fmt.Errorf("failed to register peer %d", peer)
		}
	}

	// Every transaction is announced by two peers; outbound peers are
	// preferred and get no announcement delay, inbound ones a 2s one.
	fmt.Println("=== announcements ===")
	for tx := 1; tx <= cfg.Transactions; tx++ {
		gtxid := txrequest.NewWtxID(fakeHash(tx))
		for _, peer := range []int{tx % cfg.Peers, (tx + 1) % cfg.Peers} {
			peer++ // peer ids start at 1
			preferred := peer%2 == 0
			reqtime := now
			if !preferred {
				reqtime = now.Add(2 * time.Second)
			}
			requests.ReceivedInv(uint64(peer), gtxid, preferred, false,
				reqtime)
			fmt.Printf("peer %d announced %v (preferred=%v)\n", peer,
				gtxid, preferred)
		}
	}

	// Walk the clock forward and drain each peer's requestable set the
	// way a node's message loop would.
	for _, offset := range []time.Duration{0, 2 * time.Second} {
		at := now.Add(offset)
		fmt.Printf("=== request schedule at +%v ===\n", offset)
		for peer := 1; peer <= cfg.Peers; peer++ {
			for _, gtxid := range requests.GetRequestable(uint64(peer), at) {
				if err := requests.RequestedTx(uint64(peer), gtxid,
					at.Add(60*time.Second)); err != nil {

					return err
				}
				fmt.Printf("requesting %v from peer %d\n", gtxid, peer)
			}
			if n := requests.CountInFlight(uint64(peer)); n > 0 {
				fmt.Printf("peer %d now has %d request(s) in flight\n",
					peer, n)
			}
		}
	}

	// Queue the same transactions for reconciliation with the first
	// inbound peer and answer the round it initiates.
	fmt.Println("=== reconciliation ===")
	wtxids := make([]chainhash.Hash, 0, cfg.Transactions)
	for tx := 1; tx <= cfg.Transactions; tx++ {
		wtxids = append(wtxids, fakeHash(tx))
	}
	const inboundPeer = 1
	if err := recon.AddToReconSet(inboundPeer, wtxids); err != nil {
		return err
	}
	size, _ := recon.GetPeerSetSize(inboundPeer)
	fmt.Printf("reconciliation set for peer %d holds %d transaction(s)\n",
		inboundPeer, size)

	reconQPrecision := float64(txreconciliation.QPrecision)
	recon.HandleReconciliationRequest(inboundPeer, uint16(len(wtxids)),
		uint16(txreconciliation.ReconQ*reconQPrecision))
	sketch, ok := recon.RespondToReconciliationRequest(inboundPeer, now)
	if !ok {
		return fmt.Errorf("no response produced for peer %d", inboundPeer)
	}
	fmt.Printf("responded to peer %d with a %d-byte sketch\n", inboundPeer,
		len(sketch))

	// Show which peers each transaction would still be flooded to.
	for tx := 1; tx <= cfg.Transactions; tx++ {
		wtxid := fakeHash(tx)
		for peer := 1; peer <= cfg.Peers; peer++ {
			if recon.ShouldFloodTo(wtxid, uint64(peer)) {
				fmt.Printf("flooding %s to peer %d\n", wtxid, peer)
			}
		}
	}

	return nil
}
