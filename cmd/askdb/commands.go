package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/askdb/askdb/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a natural language question about the database",
	Long: `Ask a natural language question about the database.

Examples:
  askdb ask "How many tracks are in the Rock genre?"
  askdb ask --session trip-planning "Which of those artists has the most albums?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		session, _ := cmd.Flags().GetString("session")
		showJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("question", question)
		if session != "" {
			q.Set("sessionId", session)
		}

		resp, err := client.get(cmd.Context(), "/ask?"+q.Encode())
		if err != nil {
			return err
		}

		var result struct {
			Question        string          `json:"question"`
			Summary         string          `json:"naturalLanguageSummary"`
			GeneratedSQL    *string         `json:"generatedSql"`
			DatabaseResults json.RawMessage `json:"databaseResults"`
			SessionID       string          `json:"sessionId"`
			ErrorKind       string          `json:"error"`
			Details         string          `json:"details"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if showJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		fmt.Println(result.Summary)
		if result.GeneratedSQL != nil {
			fmt.Fprintf(os.Stderr, "\n%s %s\n", colorize(colorBold, "SQL:"), *result.GeneratedSQL)
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", colorize(colorBold, "Session:"), result.SessionID)
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "session id for follow-up context")
	askCmd.Flags().Bool("json", false, "print the full response as JSON")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent answered questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/history?limit=%d", limit))
		if err != nil {
			return err
		}

		var turns []struct {
			ID           string `json:"id"`
			SessionID    string `json:"sessionId"`
			UserQuestion string `json:"userQuestion"`
			NLSummary    string `json:"nlSummary"`
			CreatedAt    string `json:"createdAt"`
		}
		if err := decodeJSON(resp, &turns); err != nil {
			return err
		}

		if len(turns) == 0 {
			fmt.Println("No history found.")
			return nil
		}

		for _, t := range turns {
			question := t.UserQuestion
			if len(question) > 80 {
				question = question[:80] + "..."
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, t.ID[:8]),
				t.CreatedAt,
				question,
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of turns to list")
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
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
