// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/tools"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the knowledge base",
	}
	cmd.AddCommand(newKBImportCmd(), newKBSearchCmd(), newKBReindexCmd())
	return cmd
}

func newKBImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import articles from a YAML or JSON file",
		Long: "Import a list of {path, metadata: {title}, content} articles into the configured store. " +
			"Articles with an existing path are replaced.",
		Args: cobra.ExactArgs(1),
		RunE: runKBImport,
	}
}

func newKBSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base the way the agent does",
		Args:  cobra.ExactArgs(1),
		RunE:  runKBSearch,
	}
	cmd.Flags().IntP("limit", "n", 5, "maximum results")
	return cmd
}

func newKBReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Embed every stored article again",
		Long:  "Rebuild the vector index used for semantic search. Requires tools.embedding.provider.",
		Args:  cobra.NoArgs,
		RunE:  runKBReindex,
	}
}

// kbSession is the storage an offline kb command works on.
type kbSession struct {
	stores   *store.Stores
	kb       store.KnowledgeStore
	semantic *store.SemanticKnowledge
}

// openKB opens the configured storage for offline commands, with the same
// knowledge store the server's tools use.
func openKB(cmd *cobra.Command) (*kbSession, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	stores, err := store.Open(storageConfig(cfg))
	if err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeCLISetupFailure, "opening storage")
	}
	kb, semantic, err := knowledgeFor(cfg, stores, slog.Default())
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	return &kbSession{stores: stores, kb: kb, semantic: semantic}, nil
}

func runKBImport(cmd *cobra.Command, args []string) error {
	articles, err := tools.LoadArticles(args[0])
	if err != nil {
		return err
	}
	s, err := openKB(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.stores.Close() }()

	n, err := tools.ImportArticles(cmd.Context(), s.kb, articles)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d articles from %s\n", n, args[0])
	return nil
}

func runKBSearch(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	s, err := openKB(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.stores.Close() }()

	results, err := tools.NewKnowledgeBase(s.kb).Search(cmd.Context(), args[0], limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		_, _ = fmt.Fprintln(out, "No matching articles.")
		return nil
	}
	for _, r := range results {
		_, _ = fmt.Fprintf(out, "%s  %s\n", titleStyle.Render(r.Title), dimStyle.Render(r.Path))
		_, _ = fmt.Fprintf(out, "  %s\n", preview(r.Snippet, toolResultPreview))
	}
	return nil
}

func runKBReindex(cmd *cobra.Command, _ []string) error {
	s, err := openKB(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.stores.Close() }()

	if s.semantic == nil {
		return skyerr.New(skyerr.CodeConfigValidateInvalidValue,
			"kb reindex needs tools.embedding.provider to be set")
	}
	n, err := s.semantic.Reindex(cmd.Context())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Embedded %d articles\n", n)
	return nil
}
