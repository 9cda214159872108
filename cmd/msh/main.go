// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Command msh runs an AS4 Message Service Handler node and offers a few
// operator commands against it.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	stdmime "mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sirosfoundation/go-msh/internal/as4"
	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/server"
	"github.com/sirosfoundation/go-msh/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "msh",
	Short: "AS4 Message Service Handler",
	Long: `msh exchanges ebMS3/AS4 messages with trading partners.

A node runs flows: submit picks up payload files, send pushes queued
messages, receive accepts pushed messages and pull requests, pull fetches
messages from partners and deliver writes received payloads to disk.
Which flows run, and the P-Modes they use, is set in the config file.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MSH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "msh.yaml", "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(exceptionsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

// withStore opens the configured store for a one-shot command.
func withStore(ctx context.Context, fn func(*config.Config, storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := as4.OpenStore(ctx, cfg, newLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer store.Close(ctx)
	return fn(cfg, store)
}

// submitCmd hands files to a running node through its admin API, so the
// node keeps sole ownership of the duplicate elimination log.
func submitCmd() *cobra.Command {
	var pmodeID, conversation, refTo, endpoint string
	var props map[string]string
	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Submit payload files as one user message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.SubmitRequest{
				PMode:          pmodeID,
				ConversationID: conversation,
				RefToMessageID: refTo,
				Properties:     props,
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				ctype := stdmime.TypeByExtension(filepath.Ext(path))
				if ctype == "" {
					ctype = "application/octet-stream"
				}
				req.Payloads = append(req.Payloads, server.PayloadRequest{
					ContentType: ctype,
					Data:        data,
					Properties:  map[string]string{as4.PropertyOriginalFilename: filepath.Base(path)},
				})
			}
			if endpoint == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				endpoint = adminURL(cfg.Admin.Address)
			}
			var view server.MessageView
			if err := postJSON(cmd.Context(), endpoint+"/api/submissions", viper.GetString("admin-token"), req, &view); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(view)
			}
			fmt.Printf("%s queued as %s (%s)\n", view.EbmsMessageID, view.ID, view.Operation)
			return nil
		},
	}
	cmd.Flags().StringVarP(&pmodeID, "pmode", "p", "", "P-Mode id to send under")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&refTo, "ref-to", "", "message id this message refers to")
	cmd.Flags().StringToStringVar(&props, "property", nil, "message property name=value")
	cmd.Flags().StringVar(&endpoint, "admin", "", "admin API base URL (default from config)")
	cmd.Flags().String("admin-token", "", "admin API bearer token")
	_ = viper.BindPFlag("admin-token", cmd.Flags().Lookup("admin-token"))
	_ = cmd.MarkFlagRequired("pmode")
	return cmd
}

func exceptionsCmd() *cobra.Command {
	var tableName string
	var limit int
	cmd := &cobra.Command{
		Use:   "exceptions",
		Short: "List recorded exceptions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := storage.ParseTable(tableName)
			if err != nil {
				return err
			}
			if !t.IsExceptionTable() {
				return fmt.Errorf("%s is not an exception table", t)
			}
			return withStore(cmd.Context(), func(_ *config.Config, store storage.Store) error {
				rows, err := store.ListExceptions(cmd.Context(), t, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Inserted", "Ref To", "Operation", "Exception"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.InsertedAt.Format(time.RFC3339), r.EbmsRefToMessageID, r.Operation, r.Exception})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&tableName, "table", "t", string(storage.TableInExceptions), "InExceptions or OutExceptions")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "rows to show")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the message store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(cfg *config.Config, store storage.Store) error {
				if err := store.Ping(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("%s store is up to date\n", cfg.Storage.Type)
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// adminURL turns a listen address such as ":8081" into a local base URL.
func adminURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func postJSON(ctx context.Context, url, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("submission refused: %s", apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
