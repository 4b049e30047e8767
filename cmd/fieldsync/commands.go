package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/fieldsync/internal/api"
	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/draft"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect queued mutations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/mutations"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		return listMutations(cmd.Context(), client, os.Stdout, path, "No queued mutations.")
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single mutation as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/mutations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var m any
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "filter by status (pending or dead_letter)")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueShowCmd)
}

func listMutations(ctx context.Context, client *apiClient, w io.Writer, path, empty string) error {
	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}

	var views []api.MutationView
	if err := decodeJSON(resp, &views); err != nil {
		return err
	}

	if len(views) == 0 {
		fmt.Fprintln(w, empty)
		return nil
	}

	now := time.Now()
	for _, v := range views {
		fmt.Fprintln(w, formatMutation(v, now))
	}
	return nil
}

func formatMutation(v api.MutationView, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-18s %s  %s",
		colorize(colorCyan, shortID(v.ID)),
		v.Kind,
		colorize(statusColor(string(v.Status)), string(v.Status)),
		age(v.CreatedAt, now),
	)
	if v.RetryCount > 0 {
		fmt.Fprintf(&b, "  retries=%d", v.RetryCount)
	}
	if n := len(v.Attachments); n > 0 {
		fmt.Fprintf(&b, "  attachments=%d/%d", len(v.ResolvedAttachments), n)
	}
	if v.LastError != nil {
		reason := v.LastError.Message
		if v.LastError.Status != 0 {
			reason = fmt.Sprintf("HTTP %d: %s", v.LastError.Status, reason)
		}
		if len(reason) > 100 {
			reason = reason[:100] + "..."
		}
		fmt.Fprintf(&b, "\n          %s", colorize(colorRed, reason))
	}
	return b.String()
}

// --- dead letters ---

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Aliases: []string{"dl"},
	Short:   "Review and resolve mutations that exhausted their retries",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listMutations(cmd.Context(), client, os.Stdout, "/dead-letters", "No dead letters.")
	},
}

var deadLettersRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Readmit a dead letter with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := retryDeadLetter(cmd.Context(), client, args[0]); err != nil {
			return err
		}
		printSuccess("Mutation %s queued for retry", shortID(args[0]))
		return nil
	},
}

var deadLettersDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a dead letter without delivering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := discardDeadLetter(cmd.Context(), client, args[0]); err != nil {
			return err
		}
		printSuccess("Mutation %s discarded", shortID(args[0]))
		return nil
	},
}

var deadLettersRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Readmit every dead letter",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := bulkDeadLetters(cmd.Context(), client, true)
		if err != nil {
			return err
		}
		printSuccess("%d dead letter(s) queued for retry", n)
		return nil
	},
}

var deadLettersDiscardAllCmd = &cobra.Command{
	Use:   "discard-all",
	Short: "Drop every dead letter",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This permanently drops every dead-letter mutation. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := bulkDeadLetters(cmd.Context(), client, false)
		if err != nil {
			return err
		}
		printSuccess("%d dead letter(s) discarded", n)
		return nil
	},
}

func init() {
	deadLettersDiscardAllCmd.Flags().Bool("confirm", false, "confirm discarding all dead letters")
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRetryCmd)
	deadLettersCmd.AddCommand(deadLettersDiscardCmd)
	deadLettersCmd.AddCommand(deadLettersRetryAllCmd)
	deadLettersCmd.AddCommand(deadLettersDiscardAllCmd)
}

func retryDeadLetter(ctx context.Context, client *apiClient, id string) error {
	resp, err := client.post(ctx, "/dead-letters/"+url.PathEscape(id)+"/retry", nil)
	if err != nil {
		return err
	}
	var result map[string]string
	return decodeJSON(resp, &result)
}

func discardDeadLetter(ctx context.Context, client *apiClient, id string) error {
	resp, err := client.delete(ctx, "/dead-letters/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var result map[string]string
	return decodeJSON(resp, &result)
}

func bulkDeadLetters(ctx context.Context, client *apiClient, retry bool) (int, error) {
	var (
		resp *http.Response
		err  error
	)
	if retry {
		resp, err = client.post(ctx, "/dead-letters/retry-all", nil)
	} else {
		resp, err = client.delete(ctx, "/dead-letters")
	}
	if err != nil {
		return 0, err
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// --- drafts ---

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "Inspect or clear unsaved form drafts",
}

var draftsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved drafts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listDrafts(cmd.Context(), client, os.Stdout)
	},
}

var draftsClearCmd = &cobra.Command{
	Use:   "clear [<form-type> <entity-id>]",
	Short: "Clear one draft, or every draft with --all",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		switch {
		case len(args) == 2 && !all:
		case len(args) == 0 && all:
		default:
			return fmt.Errorf("pass either <form-type> <entity-id> or --all")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/drafts"
		if !all {
			path += "/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if all {
			printSuccess("All drafts cleared")
		} else {
			printSuccess("Draft %s/%s cleared", args[0], args[1])
		}
		return nil
	},
}

func init() {
	draftsClearCmd.Flags().Bool("all", false, "clear every draft")
	draftsCmd.AddCommand(draftsListCmd)
	draftsCmd.AddCommand(draftsClearCmd)
}

func listDrafts(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/drafts")
	if err != nil {
		return err
	}

	var drafts []draft.Draft
	if err := decodeJSON(resp, &drafts); err != nil {
		return err
	}

	if len(drafts) == 0 {
		fmt.Fprintln(w, "No drafts.")
		return nil
	}

	now := time.Now()
	for _, d := range drafts {
		fmt.Fprintf(w, "%s/%s  %s  %d bytes\n",
			colorize(colorBold, d.FormType),
			d.EntityID,
			age(d.UpdatedAt, now),
			len(d.Payload),
		)
	}
	return nil
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ask the daemon to deliver queued mutations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStep("Sync triggered")
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
