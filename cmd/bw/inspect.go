package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marcus/beadwork/internal/cache"
	"github.com/marcus/beadwork/internal/config"
	"github.com/marcus/beadwork/internal/queue"
	"github.com/marcus/beadwork/internal/types"
)

var (
	statusColors = map[types.Status]*color.Color{
		types.StatusOpen:       color.New(color.FgGreen),
		types.StatusInProgress: color.New(color.FgYellow),
		types.StatusBlocked:    color.New(color.FgRed),
		types.StatusClosed:     color.New(color.FgHiBlack),
		types.StatusDeferred:   color.New(color.FgCyan),
		types.StatusPinned:     color.New(color.FgMagenta),
	}
)

// loadProjectCache builds a read-only cache view of a project by
// refreshing straight from the store file.
func loadProjectCache(ctx context.Context, project string) (*cache.Cache, config.Options, error) {
	opts, err := config.Load()
	if err != nil {
		return nil, opts, err
	}
	q := queue.New(opts.DebounceInterval, opts.HistoryLimit)
	c := cache.New(q, "bw", opts.StorePath, opts.BusyTimeout)
	if err := c.Refresh(ctx, project); err != nil {
		return nil, opts, err
	}
	if !c.IsLoaded(project) {
		return nil, opts, fmt.Errorf("no store file found under %s", project)
	}
	return c, opts, nil
}

func printIssue(issue *types.Issue) {
	sc, ok := statusColors[issue.Status]
	if !ok {
		sc = color.New(color.FgWhite)
	}
	statusStr := sc.Sprintf("%-12s", issue.Status)
	labels := ""
	if len(issue.Labels) > 0 {
		labels = " [" + strings.Join(issue.Labels, ", ") + "]"
	}
	fmt.Printf("%s  %s  %s%s\n", color.New(color.Bold).Sprint(issue.ID), statusStr, issue.Title, labels)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues from the project's store",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectPath(cmd)
		if err != nil {
			return err
		}
		c, _, err := loadProjectCache(cmd.Context(), project)
		if err != nil {
			return err
		}

		var filter types.IssueFilter
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			status := types.Status(s)
			if !status.IsValid() {
				return fmt.Errorf("invalid status: %s", s)
			}
			filter.Status = &status
		}
		if a, _ := cmd.Flags().GetString("assignee"); a != "" {
			filter.Assignee = &a
		}
		if t, _ := cmd.Flags().GetString("title"); t != "" {
			filter.TitleContains = t
		}

		issues := c.List(project, filter)
		for _, issue := range issues {
			printIssue(issue)
		}
		fmt.Printf("\n%d issues\n", len(issues))
		return nil
	},
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Show open issues with no open blockers",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectPath(cmd)
		if err != nil {
			return err
		}
		c, _, err := loadProjectCache(cmd.Context(), project)
		if err != nil {
			return err
		}
		issues := c.GetReady(project)
		if len(issues) == 0 {
			fmt.Println("No ready issues.")
			return nil
		}
		for _, issue := range issues {
			printIssue(issue)
		}
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List label-derived groups in the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectPath(cmd)
		if err != nil {
			return err
		}
		c, _, err := loadProjectCache(cmd.Context(), project)
		if err != nil {
			return err
		}
		for _, g := range c.Groups(project) {
			fmt.Println(g)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("status", "", "filter by status")
	listCmd.Flags().String("assignee", "", "filter by assignee")
	listCmd.Flags().String("title", "", "filter by title substring")
}
