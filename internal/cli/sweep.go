package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one deadline sweep pass now",
	Long: `Ask the daemon to time out every session past its deadline immediately
instead of waiting for the next scheduled pass.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	body, err := callAPI(http.MethodPost, "/api/sweep", nil, "")
	if err != nil {
		return err
	}

	var res struct {
		TimedOut []string `json:"timed_out"`
		Count    int      `json:"count"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return printJSON(body)
	}
	if res.Count == 0 {
		fmt.Fprintln(os.Stdout, "No sessions past their deadline.")
		return nil
	}
	fmt.Fprintf(os.Stdout, "Timed out %d session(s):\n", res.Count)
	for _, id := range res.TimedOut {
		fmt.Fprintf(os.Stdout, "  • %s\n", id)
	}
	return nil
}
