package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ara-campus/ara/internal/intent"
	"github.com/ara-campus/ara/internal/router"
)

func newAskCmd(root *rootOptions) *cobra.Command {
	var (
		trigger string
		convCtx map[string]string
		explain bool
	)
	cmd := &cobra.Command{
		Use:   "ask [utterance]",
		Short: "Answer one question and print the answer as JSON",
		Example: `  ara ask "190번 버스 언제 와?"
  ara ask "하교할 때" --context last_intent=bus,line=190
  ara ask --trigger weather`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := router.Request{Trigger: trigger, Context: convCtx}
			if len(args) == 1 {
				req.Utterance = args[0]
			}
			if strings.TrimSpace(req.Utterance) == "" && strings.TrimSpace(req.Trigger) == "" {
				return fmt.Errorf("an utterance or --trigger is required")
			}

			a, err := buildApp(root.cfg, buildOptions{registerer: prometheus.NewRegistry()})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			cl := a.router.Classify(req)
			if explain {
				return printJSON(cmd, cl)
			}
			if cl.Intent == intent.Knowledge {
				if _, err := a.index.Rebuild(ctx); err != nil {
					return fmt.Errorf("loading corpus: %w", err)
				}
			}
			ans, err := a.router.Dispatch(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, ans)
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "quick-reply payload or intent name")
	cmd.Flags().StringToStringVar(&convCtx, "context", nil, "conversation context from a previous answer")
	cmd.Flags().BoolVar(&explain, "explain", false, "print the classification without answering")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
