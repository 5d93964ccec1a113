package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/foundry/pkg/client"
	"github.com/cuemby/foundry/pkg/types"
)

var serverURL string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:5580", "Orchestration server URL")
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(rdepsCmd)
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

var buildCmd = &cobra.Command{
	Use:   "build ORIGIN/NAME",
	Short: "Queue a rebuild of a package and its dependents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		origin, name, err := splitShort(args[0])
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("target")
		requester, _ := cmd.Flags().GetString("requester")

		ctx, cancel := cliContext()
		defer cancel()
		resp, err := client.New(serverURL).JobGroupSpec(ctx, origin, name, types.Target(target), requester)
		if err != nil {
			return err
		}

		fmt.Printf("Group %d created (%s)\n", resp.GroupID, resp.Group.State)
		for _, p := range resp.Packages {
			line := fmt.Sprintf("  %-10s %s", p.Disposition, p.Short)
			if p.Reason != "" {
				line += " (" + p.Reason + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Inspect and cancel job groups",
}

var groupGetCmd = &cobra.Command{
	Use:   "get GROUP_ID",
	Short: "Show a job group and its entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var groupID int64
		if _, err := fmt.Sscan(args[0], &groupID); err != nil {
			return fmt.Errorf("invalid group id %q", args[0])
		}

		ctx, cancel := cliContext()
		defer cancel()
		resp, err := client.New(serverURL).JobGroupGet(ctx, groupID, true)
		if err != nil {
			return err
		}

		fmt.Printf("Group %d  project=%s target=%s state=%s\n",
			resp.Group.ID, resp.Group.ProjectName, resp.Group.Target, resp.Group.State)
		for _, e := range resp.Entries {
			fmt.Printf("  %-28s %s\n", e.ProjectName, e.State)
		}
		return nil
	},
}

var groupCancelCmd = &cobra.Command{
	Use:   "cancel GROUP_ID",
	Short: "Cancel a job group",
	Long: `Cancel a job group. Entries that have not started are settled
immediately; running jobs are asked to stop and the group goes terminal
once every worker has acknowledged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var groupID int64
		if _, err := fmt.Sscan(args[0], &groupID); err != nil {
			return fmt.Errorf("invalid group id %q", args[0])
		}
		requester, _ := cmd.Flags().GetString("requester")

		ctx, cancel := cliContext()
		defer cancel()
		if err := client.New(serverURL).JobGroupCancel(ctx, groupID, requester); err != nil {
			return err
		}
		fmt.Printf("Cancellation of group %d accepted\n", groupID)
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs",
}

var jobLogCmd = &cobra.Command{
	Use:   "log JOB_ID",
	Short: "Print a job's build log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobID int64
		if _, err := fmt.Sscan(args[0], &jobID); err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}
		color, _ := cmd.Flags().GetBool("color")

		ctx, cancel := cliContext()
		defer cancel()
		fetched, err := client.New(serverURL).JobLogGet(ctx, jobID, 0, color)
		if err != nil {
			return err
		}
		for _, line := range fetched.Content {
			fmt.Println(line)
		}
		return nil
	},
}

var rdepsCmd = &cobra.Command{
	Use:   "rdeps ORIGIN/NAME",
	Short: "List packages that depend on a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		origin, name, err := splitShort(args[0])
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("target")

		ctx, cancel := cliContext()
		defer cancel()
		rdeps, err := client.New(serverURL).ReverseDependencies(ctx, origin, name, types.Target(target))
		if err != nil {
			return err
		}
		for _, ident := range rdeps {
			fmt.Println(ident)
		}
		return nil
	},
}

func splitShort(s string) (origin, name string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("expected ORIGIN/NAME, got %q", s)
}

func init() {
	groupCmd.AddCommand(groupGetCmd)
	groupCmd.AddCommand(groupCancelCmd)
	jobCmd.AddCommand(jobLogCmd)

	buildCmd.Flags().String("target", string(types.TargetLinux), "Build target")
	buildCmd.Flags().String("requester", "", "Requester recorded on the group")
	groupCancelCmd.Flags().String("requester", "", "Requester recorded in the audit trail")
	jobLogCmd.Flags().Bool("color", false, "Keep ANSI color codes")
	rdepsCmd.Flags().String("target", string(types.TargetLinux), "Build target")
}
