package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"callscribe/internal/config"
	"callscribe/internal/storage"
)

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process <communication_id>",
	Short: "Run a call through the transcription pipeline via the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Processing call %s...", args[0])
		resp, err := client.post(cmd.Context(), "/webhook/call", map[string]string{
			"communication_id": args[0],
		})
		if err != nil {
			return err
		}

		var result struct {
			Status  string `json:"status"`
			Message string `json:"message"`
			Call    *struct {
				TranscriptPath string `json:"transcript_path"`
			} `json:"call"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		switch result.Status {
		case "processed", "already_processed":
			if result.Call != nil {
				printSuccess("Call %s: %s (%s)", args[0], result.Status, result.Call.TranscriptPath)
			} else {
				printSuccess("Call %s: %s", args[0], result.Status)
			}
		default:
			printWarning("Call %s: %s (%s)", args[0], result.Status, result.Message)
		}
		return nil
	},
}

// --- fetch ---

var fetchCmd = &cobra.Command{
	Use:   "fetch <communication_id>",
	Short: "Locate a call and download its audio channels (no server needed)",
	Long: `Locate a call in the upstream report and download both audio channels
into the result directory. Talks to the upstream APIs directly, without the
callscribe server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		commID := args[0]
		attempts, _ := cmd.Flags().GetInt("attempts")
		delay, _ := cmd.Flags().GetDuration("delay")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		printStep("Locating call %s...", commID)
		call, _, err := a.uisClient.FindCallWithRetry(cmd.Context(), commID, attempts, delay)
		if err != nil {
			return fmt.Errorf("locating call %s: %w", commID, err)
		}

		tracks := call.TrackIDs()
		printStep("Found call with %d audio tracks, downloading...", len(tracks))
		if err := a.fetcher.Fetch(cmd.Context(), commID, tracks); err != nil {
			return fmt.Errorf("downloading audio: %w", err)
		}

		clientPath, staffPath := a.fetcher.Paths(commID)
		printSuccess("Downloaded %s and %s", clientPath, staffPath)
		return nil
	},
}

func init() {
	fetchCmd.Flags().Int("attempts", 3, "locate attempts before giving up")
	fetchCmd.Flags().Duration("delay", 2*time.Second, "delay between locate attempts")
}

// --- call ---

var callCmd = &cobra.Command{
	Use:   "call <communication_id>",
	Short: "Show the stored record of one call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/call/"+args[0])
		if err != nil {
			return err
		}

		var rec any
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show call counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/stats")
		if err != nil {
			return err
		}

		var st storage.CallStats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Total calls", "%d", st.Total)
		printStatus("Active", "%d", st.Active)
		printStatus("Archived", "%d", st.Archived)
		return nil
	},
}

// --- archive ---

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive calls older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/archive/old-calls"
		if days > 0 {
			path = fmt.Sprintf("%s?days=%d", path, days)
		}

		printStep("Archiving old calls...")
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var rep struct {
			Archived int      `json:"archived"`
			Failed   []string `json:"failed"`
		}
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}

		printSuccess("Archived %d calls", rep.Archived)
		for _, id := range rep.Failed {
			printError("Failed to archive call %s", id)
		}
		return nil
	},
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export <date_from> <date_till>",
	Short: "Download an analysis bundle for a date range (YYYY-MM-DD)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		includeAudio, _ := cmd.Flags().GetBool("audio")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/api/export/analysis/%s/%s", args[0], args[1])
		if includeAudio {
			path += "?include_audio=true"
		}

		printStep("Building analysis export %s..%s...", args[0], args[1])
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		if output == "" {
			output = fmt.Sprintf("analysis_export_%s_%s.tar.gz", args[0], args[1])
		}
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()

		n, err := io.Copy(f, resp.Body)
		if err != nil {
			return fmt.Errorf("writing bundle: %w", err)
		}

		printSuccess("Wrote %s (%d bytes)", output, n)
		return nil
	},
}

func init() {
	archiveCmd.Flags().Int("days", 0, "override the retention window in days")
	exportCmd.Flags().Bool("audio", false, "include audio files in the bundle")
	exportCmd.Flags().String("output", "", "output file path")
}
