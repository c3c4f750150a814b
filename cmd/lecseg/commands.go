package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/lecseg/internal/config"
	"github.com/kalambet/lecseg/internal/pipeline"
	"github.com/kalambet/lecseg/internal/retrieval"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process <video>",
	Short: "Segment a lecture video into slides and store aligned transcripts",
	Long: `Segment a lecture video into slides and store aligned transcripts.

Examples:
  lecseg process lecture01.mp4 --course statistics --section week1 --video-id stat-w1
  lecseg process lecture02.mp4 --course statistics --section week2 --video-id stat-w2 --strategy chunks`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, strategy, err := videoFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		c, err := buildComponents(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer c.Close()

		printStep("Processing %s as %s (%s)", v.Name, v.ID, strategy)
		report, err := c.pipeline.Run(ctx, v, strategy)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

func init() {
	processCmd.Flags().String("name", "", "display name (default: file name without extension)")
	processCmd.Flags().String("course", "", "course name")
	processCmd.Flags().String("section", "", "section or week")
	processCmd.Flags().String("video-id", "", "video id, the key of every stored record")
	processCmd.Flags().String("strategy", string(pipeline.StrategySlides), "slides or chunks")
	markVideoFlagsRequired(processCmd)
}

func markVideoFlagsRequired(cmd *cobra.Command) {
	for _, name := range []string{"video-id", "course", "section"} {
		cmd.MarkFlagRequired(name)
	}
}

// videoFromFlags builds a Video for path from the name/course/section/video-id
// flags and validates --strategy.
func videoFromFlags(cmd *cobra.Command, path string) (pipeline.Video, pipeline.Strategy, error) {
	name, _ := cmd.Flags().GetString("name")
	course, _ := cmd.Flags().GetString("course")
	section, _ := cmd.Flags().GetString("section")
	id, _ := cmd.Flags().GetString("video-id")
	s, _ := cmd.Flags().GetString("strategy")

	strategy, err := pipeline.ParseStrategy(s)
	if err != nil {
		return pipeline.Video{}, "", err
	}
	if strings.TrimSpace(id) == "" {
		return pipeline.Video{}, "", errors.New("--video-id is required")
	}
	if name == "" {
		name = pipeline.DefaultName(path)
	}
	return pipeline.Video{ID: id, Name: name, Course: course, Section: section, Path: path}, strategy, nil
}

func printReport(r *pipeline.Report) {
	if r.NoSegments {
		printWarning("No transcript segments produced for %s, nothing stored", r.VideoID)
	} else {
		printSuccess("Stored %d records for %s", len(r.IDs), r.VideoID)
	}
	printStatus("Strategy", "%s", r.Strategy)
	printStatus("Duration", "%s", formatTimestamp(r.Duration))
	if len(r.Boundaries) > 1 {
		printStatus("Slides", "%d", len(r.Boundaries)-1)
	}
	printStatus("Elapsed", "%.1fs", float64(r.ElapsedMs)/1000)
}

// --- baseline ---

var baselineCmd = &cobra.Command{
	Use:   "baseline <video>",
	Short: "Transcribe a video without prompts and print the text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		c, err := buildComponents(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer c.Close()

		text, err := c.pipeline.Baseline(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list <video-id>",
	Short: "List the stored transcript of a video in time order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		records, err := listTranscripts(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No transcripts found.")
			return nil
		}

		for _, r := range records {
			fmt.Printf("%s  %s\n",
				colorize(styleStep, fmt.Sprintf("[%s - %s]", formatTimestamp(r.Meta.Start), formatTimestamp(r.Meta.End))),
				colorize(styleDim, r.ID),
			)
			fmt.Printf("  %s\n", r.Text)
		}
		return nil
	},
}

func listTranscripts(ctx context.Context, client *apiClient, videoID string) ([]retrieval.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := client.get(ctx, "/videos/"+url.PathEscape(videoID)+"/transcripts")
	if err != nil {
		return nil, err
	}
	var records []retrieval.Record
	if err := decodeJSON(resp, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over stored transcripts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		videoID, _ := cmd.Flags().GetString("video-id")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		results, err := searchTranscripts(cmd.Context(), client, query, videoID, limit)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(styleBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			fmt.Printf("  %s %s  %s\n",
				colorize(styleDim, r.Meta.VideoID),
				formatTimestamp(r.Meta.Start),
				colorize(styleDim, r.Meta.Video),
			)
			fmt.Printf("  %s\n", truncate(r.Text, 200))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("video-id", "", "restrict results to one video")
}

func searchTranscripts(ctx context.Context, client *apiClient, query, videoID string, limit int) ([]retrieval.ScoredRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", fmt.Sprint(limit))
	if videoID != "" {
		q.Set("video_id", videoID)
	}
	resp, err := client.get(ctx, "/search?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var results []retrieval.ScoredRecord
	if err := decodeJSON(resp, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <video-id>",
	Short: "Delete the stored transcript of a video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		n, err := deleteTranscripts(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Deleted %d records for %s", n, args[0])
		return nil
	},
}

func deleteTranscripts(ctx context.Context, client *apiClient, videoID string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := client.delete(ctx, "/videos/"+url.PathEscape(videoID)+"/transcripts")
	if err != nil {
		return 0, err
	}
	var result struct {
		Deleted int `json:"deleted"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <video>",
	Short: "Upload a video to the running server for background processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("name")
		course, _ := cmd.Flags().GetString("course")
		section, _ := cmd.Flags().GetString("section")
		videoID, _ := cmd.Flags().GetString("video-id")
		strategy, _ := cmd.Flags().GetString("strategy")
		if _, err := pipeline.ParseStrategy(strategy); err != nil {
			return err
		}
		if strings.TrimSpace(videoID) == "" {
			return errors.New("--video-id is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		resp, err := client.upload(ctx, args[0], map[string]string{
			"title":    title,
			"course":   course,
			"section":  section,
			"videoId":  videoID,
			"strategy": strategy,
		})
		if err != nil {
			return err
		}

		var result struct {
			JobID   string `json:"job_id"`
			VideoID string `json:"video_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued job %s for video %s", result.JobID, result.VideoID)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("name", "", "display name (default: file name without extension)")
	submitCmd.Flags().String("course", "", "course name")
	submitCmd.Flags().String("section", "", "section or week")
	submitCmd.Flags().String("video-id", "", "video id, the key of every stored record")
	submitCmd.Flags().String("strategy", string(pipeline.StrategySlides), "slides or chunks")
	markVideoFlagsRequired(submitCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect background jobs",
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job and its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		resp, err := client.get(ctx, "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	jobsCmd.AddCommand(jobsShowCmd)
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
			fmt.Printf("  %s = %s\n", colorize(styleBold, k.Key), k.Value)
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
			if errors.Is(err, config.ErrUnknownKey) {
				return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
			}
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
