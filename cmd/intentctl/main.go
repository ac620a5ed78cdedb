// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command intentctl is the operator CLI for a running intentd server.
//
// Usage:
//
//	intentctl resolve "给我看下本月销量" --user u1
//	intentctl feedback <sample-id> --positive
//	intentctl intents list
//	intentctl cache flush
//	intentctl cache invalidate REPORT_KPI
//	intentctl stats
//	intentctl accuracy --days 30
//	intentctl health
//
// The server address comes from --server or INTENTD_ADDR (default
// http://localhost:8080). The tenant comes from --tenant; empty targets
// the platform tenant.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	tenant     string

	resolveUser string
	resolveSess string

	feedbackPositive  bool
	feedbackCorrected string

	accuracyDays int
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	root := &cobra.Command{
		Use:   "intentctl",
		Short: "Operator CLI for the intent resolution server",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", defaultServer(), "intentd base URL")
	root.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant id (empty = platform)")

	resolveCmd := &cobra.Command{
		Use:   "resolve <utterance>",
		Short: "Resolve an utterance to an intent",
		Args:  cobra.MinimumNArgs(1),
		Run:   runResolve,
	}
	resolveCmd.Flags().StringVar(&resolveUser, "user", "cli", "user id")
	resolveCmd.Flags().StringVar(&resolveSess, "session", "", "session id for a dialogue reply")

	feedbackCmd := &cobra.Command{
		Use:   "feedback <sample-id>",
		Short: "Attach feedback to a prior resolution",
		Args:  cobra.ExactArgs(1),
		Run:   runFeedback,
	}
	feedbackCmd.Flags().BoolVar(&feedbackPositive, "positive", false, "the resolution was correct")
	feedbackCmd.Flags().StringVar(&feedbackCorrected, "corrected", "", "intent code the user actually wanted")

	intentsCmd := &cobra.Command{Use: "intents", Short: "Intent catalog operations"}
	intentsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List effective intent definitions",
		Run: func(_ *cobra.Command, _ []string) {
			getJSON("/api/v1/admin/intents")
		},
	})
	intentsCmd.AddCommand(&cobra.Command{
		Use:   "get <code>",
		Short: "Show one intent definition",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			getJSON("/api/v1/admin/intents/" + args[0])
		},
	})
	intentsCmd.AddCommand(&cobra.Command{
		Use:   "delete <code>",
		Short: "Soft-delete an intent",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			do("DELETE", "/api/v1/admin/intents/"+args[0], nil)
		},
	})

	cacheCmd := &cobra.Command{Use: "cache", Short: "Result cache operations"}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Evict every cached resolution for the tenant",
		Run: func(_ *cobra.Command, _ []string) {
			do("POST", "/api/v1/admin/cache/flush", nil)
		},
	})
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "invalidate <intent-code>",
		Short: "Evict cached resolutions for one intent",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			do("POST", "/api/v1/admin/cache/invalidate", map[string]any{"intent_code": args[0]})
		},
	})

	accuracyCmd := &cobra.Command{
		Use:   "accuracy",
		Short: "Feedback-based accuracy report",
		Run: func(_ *cobra.Command, _ []string) {
			getJSON(fmt.Sprintf("/api/v1/admin/accuracy?days=%d", accuracyDays))
		},
	}
	accuracyCmd.Flags().IntVar(&accuracyDays, "days", 7, "report window in days")

	root.AddCommand(
		resolveCmd,
		feedbackCmd,
		intentsCmd,
		cacheCmd,
		accuracyCmd,
		transitionsCmd(),
		&cobra.Command{
			Use:   "stats",
			Short: "Catalog and cache statistics",
			Run: func(_ *cobra.Command, _ []string) {
				getJSON("/api/v1/admin/stats")
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "Server health and readiness",
			Run: func(_ *cobra.Command, _ []string) {
				getJSON("/healthz")
				getJSON("/readyz")
			},
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func transitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Dump the tenant's transition counts",
		Run: func(_ *cobra.Command, _ []string) {
			getJSON("/api/v1/admin/transitions")
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Force an immediate matrix rebuild from the sample log",
		Run: func(_ *cobra.Command, _ []string) {
			do("POST", "/api/v1/admin/transitions/rebuild", nil)
		},
	})
	return cmd
}

func defaultServer() string {
	if addr := os.Getenv("INTENTD_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:8080"
}

func runResolve(_ *cobra.Command, args []string) {
	body := map[string]any{
		"user_id":   resolveUser,
		"utterance": strings.Join(args, " "),
	}
	if resolveSess != "" {
		body["session_id"] = resolveSess
	}
	do("POST", "/api/v1/intent/resolve", body)
}

func runFeedback(_ *cobra.Command, args []string) {
	body := map[string]any{
		"sample_id": args[0],
		"positive":  feedbackPositive,
	}
	if feedbackCorrected != "" {
		body["corrected_intent_code"] = feedbackCorrected
	}
	do("POST", "/api/v1/intent/feedback", body)
}

func getJSON(path string) { do("GET", path, nil) }

// do sends one request and pretty-prints the JSON response.
func do(method, path string, body map[string]any) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, serverAddr+path, reader)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
	} else {
		fmt.Println(pretty.String())
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
