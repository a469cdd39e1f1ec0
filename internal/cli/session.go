package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/dalali-network/dalali/internal/domain"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionCancelCmd)
	sessionCmd.AddCommand(sessionExtendCmd)

	sessionCancelCmd.Flags().StringP("reason", "r", "", "Cancellation reason")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and mutate negotiation sessions",
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status SESSION_ID",
	Short: "Show a session and its quotes ranked best-first",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStatus,
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	body, err := callAPI(http.MethodGet, "/api/sessions/"+args[0], nil, "")
	if err != nil {
		return err
	}

	var detail struct {
		Session domain.Session `json:"session"`
		Quotes  []domain.Quote `json:"quotes"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		return printJSON(body)
	}

	s := detail.Session
	fmt.Fprintf(os.Stdout, "Session %s\n", s.ID)
	fmt.Fprintf(os.Stdout, "  status:     %s\n", s.Status)
	fmt.Fprintf(os.Stdout, "  flow:       %s\n", s.Flow)
	fmt.Fprintf(os.Stdout, "  deadline:   %s\n", s.DeadlineAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(os.Stdout, "  extensions: %d/%d\n", s.ExtensionsCount, s.MaxExtensions)
	if s.SelectedQuoteID != "" {
		fmt.Fprintf(os.Stdout, "  winner:     %s\n", s.SelectedQuoteID)
	}

	if len(detail.Quotes) == 0 {
		fmt.Fprintln(os.Stdout, "No quotes yet.")
		return nil
	}
	fmt.Fprintf(os.Stdout, "Quotes (%d):\n", len(detail.Quotes))
	for _, q := range detail.Quotes {
		score := "-"
		if q.RankingScore != nil {
			score = fmt.Sprintf("%.2f", *q.RankingScore)
		}
		fmt.Fprintf(os.Stdout, "  %s  %-16s score=%s  %s\n", q.ID, q.Status, score, q.VendorContact)
	}
	return nil
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel SESSION_ID",
	Short: "Cancel an active session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionCancel,
}

func runSessionCancel(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	_, err := callAPI(http.MethodPatch, "/api/sessions/"+args[0], map[string]interface{}{
		"status":              "cancelled",
		"cancellation_reason": reason,
	}, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "✅ Session %s cancelled.\n", args[0])
	return nil
}

var sessionExtendCmd = &cobra.Command{
	Use:   "extend SESSION_ID",
	Short: "Extend a session's deadline by one increment",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionExtend,
}

func runSessionExtend(cmd *cobra.Command, args []string) error {
	body, err := callAPI(http.MethodPatch, "/api/sessions/"+args[0], map[string]interface{}{
		"extend_deadline": true,
	}, "")
	if err != nil {
		return err
	}
	var s domain.Session
	if err := json.Unmarshal(body, &s); err != nil {
		return printJSON(body)
	}
	fmt.Fprintf(os.Stdout, "✅ Deadline extended to %s (%d/%d extensions used).\n",
		s.DeadlineAt.Local().Format("15:04:05"), s.ExtensionsCount, s.MaxExtensions)
	return nil
}
