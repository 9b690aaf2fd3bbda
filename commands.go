package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taxresearch/internal/research"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Import the research sheets and rebuild the vector index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		docs, err := research.NewCollector(a.cfg.Research, a.logger.Named("research")).Gather(ctx)
		if err != nil {
			return err
		}
		store, err := a.vectorStore(ctx)
		if err != nil {
			return err
		}
		if err := store.Rebuild(ctx, docs); err != nil {
			return err
		}
		a.logger.Info("vector index rebuilt", zap.Int("documents", len(docs)))
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents\n", len(docs))
		return nil
	},
}

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Print the research documents without indexing them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		docs, err := research.NewCollector(a.cfg.Research, a.logger.Named("research")).Gather(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, doc := range docs {
			fmt.Fprintf(out, "%s\t%s\t%s\n", doc.ID, doc.Topic, doc.Content)
		}
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question on stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := a.loadedStore(ctx)
		if err != nil {
			return err
		}
		bot, err := a.chatbot(ctx, store)
		if err != nil {
			return err
		}
		answer, _, err := bot.Answer(ctx, strings.Join(args, " "), nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), answer)
		return nil
	},
}
